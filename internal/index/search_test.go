package index

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `alice.bsky.social`, EscapeLike(`alice.bsky.social`))
	assert.Equal(t, `50\%\_off`, EscapeLike(`50%_off`))
	assert.Equal(t, `a\\b`, EscapeLike(`a\b`))
}

func TestLabelValueDefinitions(t *testing.T) {
	policies := json.RawMessage(`{
		"labelValues": ["spam", "rude"],
		"labelValueDefinitions": [
			{"identifier": "spam", "severity": "alert", "blurs": "content"}
		]
	}`)

	defs := labelValueDefinitions(policies)
	require.Len(t, defs, 2)
	assert.Equal(t, "spam", defs[0].value)
	assert.JSONEq(t, `{"identifier":"spam","severity":"alert","blurs":"content"}`, string(defs[0].raw))
	assert.Equal(t, "rude", defs[1].value)
	assert.JSONEq(t, `{}`, string(defs[1].raw))
}

func TestLabelValueDefinitions_Malformed(t *testing.T) {
	assert.Nil(t, labelValueDefinitions(json.RawMessage(`not json`)))
	assert.Empty(t, labelValueDefinitions(json.RawMessage(`{}`)))
}

func TestAvatarRef(t *testing.T) {
	ref := avatarRef(json.RawMessage(`{"$type":"blob","ref":{"$link":"bafkreib"},"mimeType":"image/jpeg"}`))
	require.NotNil(t, ref)
	assert.Equal(t, "bafkreib", *ref)

	assert.Nil(t, avatarRef(nil))
	assert.Nil(t, avatarRef(json.RawMessage(`{"mimeType":"image/jpeg"}`)))
}
