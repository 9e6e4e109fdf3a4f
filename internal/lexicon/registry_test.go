package lexicon_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dollspace-gay/PublicAppView-sub003/internal/lexicon"
)

func TestValidate_ValidPost(t *testing.T) {
	r := lexicon.NewRegistry()

	res, err := r.Validate(lexicon.CollectionPost, json.RawMessage(
		`{"text":"hello world","createdAt":"2026-01-02T03:04:05Z"}`))

	require.NoError(t, err)
	assert.Equal(t, lexicon.ResultValid, res)
	assert.Equal(t, int64(1), r.Stats().Valid)
}

func TestValidate_UnknownCollectionPassesThrough(t *testing.T) {
	r := lexicon.NewRegistry()

	res, err := r.Validate("app.example.custom", json.RawMessage(`{"anything":1}`))

	require.NoError(t, err)
	assert.Equal(t, lexicon.ResultUnknown, res)
	assert.Equal(t, int64(1), r.Stats().Unknown)
	assert.Empty(t, r.Errors(), "unknown types are not recorded as errors")
}

func TestValidate_MissingRequiredField(t *testing.T) {
	r := lexicon.NewRegistry()

	res, err := r.Validate(lexicon.CollectionLike, json.RawMessage(
		`{"createdAt":"2026-01-02T03:04:05Z"}`))

	require.Error(t, err)
	assert.Equal(t, lexicon.ResultInvalid, res)
	assert.Equal(t, int64(1), r.Stats().Invalid)

	errs := r.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, lexicon.CollectionLike, errs[0].Collection)
}

func TestValidate_MalformedJSON(t *testing.T) {
	r := lexicon.NewRegistry()

	res, err := r.Validate(lexicon.CollectionPost, json.RawMessage(`{"text": `))

	require.Error(t, err)
	assert.Equal(t, lexicon.ResultInvalid, res)
}

func TestValidate_ReplyRequiresBothRefs(t *testing.T) {
	r := lexicon.NewRegistry()

	// Parent present, root missing: the pair must be complete.
	res, err := r.Validate(lexicon.CollectionPost, json.RawMessage(
		`{"text":"re","createdAt":"2026-01-02T03:04:05Z",
		  "reply":{"parent":{"uri":"at://did:plc:a/app.bsky.feed.post/1"}}}`))

	require.Error(t, err)
	assert.Equal(t, lexicon.ResultInvalid, res)

	res, err = r.Validate(lexicon.CollectionPost, json.RawMessage(
		`{"text":"re","createdAt":"2026-01-02T03:04:05Z",
		  "reply":{"parent":{"uri":"at://did:plc:a/app.bsky.feed.post/1"},
		           "root":{"uri":"at://did:plc:a/app.bsky.feed.post/1"}}}`))

	require.NoError(t, err)
	assert.Equal(t, lexicon.ResultValid, res)
}

func TestValidate_RegisterCustomType(t *testing.T) {
	type pinRecord struct {
		Subject string `json:"subject" validate:"required"`
	}
	r := lexicon.NewRegistry()
	r.Register("app.example.pin", func() any { return &pinRecord{} })

	res, err := r.Validate("app.example.pin", json.RawMessage(`{"subject":"at://x/y/z"}`))
	require.NoError(t, err)
	assert.Equal(t, lexicon.ResultValid, res)

	res, _ = r.Validate("app.example.pin", json.RawMessage(`{}`))
	assert.Equal(t, lexicon.ResultInvalid, res)
}

func TestErrors_RingIsBounded(t *testing.T) {
	r := lexicon.NewRegistry()

	for i := 0; i < 1100; i++ {
		_, _ = r.Validate(lexicon.CollectionFollow, json.RawMessage(
			fmt.Sprintf(`{"bogus":%d}`, i)))
	}

	errs := r.Errors()
	assert.Len(t, errs, 1000)
	assert.Equal(t, int64(1100), r.Stats().Invalid)
}

func TestValidate_LabelRecord(t *testing.T) {
	r := lexicon.NewRegistry()

	res, err := r.Validate(lexicon.CollectionLabel, json.RawMessage(
		`{"uri":"at://did:plc:x/app.bsky.feed.post/3","val":"spam","neg":true,"cts":"2026-01-02T03:04:05Z"}`))

	require.NoError(t, err)
	assert.Equal(t, lexicon.ResultValid, res)
}
