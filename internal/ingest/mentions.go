package ingest

import (
	"regexp"
	"strings"
)

// mentionPattern matches @handle tokens. Handles are domain-shaped: at least
// one dot and a two-letter-plus TLD. The leading group keeps a preceding
// word character from turning an email address into a mention.
var mentionPattern = regexp.MustCompile(`(^|[^a-zA-Z0-9_@])@([a-zA-Z0-9][a-zA-Z0-9.-]*\.[a-zA-Z]{2,})`)

// scanMentions extracts the distinct mentioned handles from post text,
// lowercased, in order of first appearance.
func scanMentions(text string) []string {
	if !strings.Contains(text, "@") {
		return nil
	}
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		handle := strings.ToLower(m[2])
		if _, dup := seen[handle]; dup {
			continue
		}
		seen[handle] = struct{}{}
		out = append(out, handle)
	}
	return out
}
