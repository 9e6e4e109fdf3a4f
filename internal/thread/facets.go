package thread

import "encoding/json"

const mentionFeatureType = "app.bsky.richtext.facet#mention"

// mentionDIDs extracts the DIDs of mention features from a post's rich-text
// facets. Malformed facets yield an empty set rather than an error; the
// index accepts posts whose facets it cannot interpret.
func mentionDIDs(facets json.RawMessage) map[string]struct{} {
	out := make(map[string]struct{})
	if len(facets) == 0 {
		return out
	}
	var parsed []struct {
		Features []struct {
			Type string `json:"$type"`
			DID  string `json:"did"`
		} `json:"features"`
	}
	if err := json.Unmarshal(facets, &parsed); err != nil {
		return out
	}
	for _, facet := range parsed {
		for _, feat := range facet.Features {
			if feat.Type == mentionFeatureType && feat.DID != "" {
				out[feat.DID] = struct{}{}
			}
		}
	}
	return out
}
