package index

import (
	"context"
	"encoding/json"
	"fmt"
)

// UpsertFeedGenerator writes a feed generator record.
func (s *Store) UpsertFeedGenerator(ctx context.Context, g FeedGenerator) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feed_generators (uri, creator_did, did, display_name, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (uri) DO UPDATE SET
			did          = EXCLUDED.did,
			display_name = EXCLUDED.display_name,
			description  = EXCLUDED.description`,
		g.URI, g.CreatorDID, g.DID, g.DisplayName, g.Description, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert feed generator %s: %w", g.URI, err)
	}
	return nil
}

// UpsertStarterPack writes a starter pack record.
func (s *Store) UpsertStarterPack(ctx context.Context, p StarterPack) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO starter_packs (uri, creator_did, name, list_uri, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (uri) DO UPDATE SET
			name     = EXCLUDED.name,
			list_uri = EXCLUDED.list_uri`,
		p.URI, p.CreatorDID, p.Name, p.ListURI, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert starter pack %s: %w", p.URI, err)
	}
	return nil
}

// UpsertLabelerService writes a labeler declaration and refreshes the label
// value definitions it carries.
func (s *Store) UpsertLabelerService(ctx context.Context, l LabelerService) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("upsert labeler %s: %w", l.URI, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO labeler_services (uri, creator_did, policies, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (uri) DO UPDATE SET policies = EXCLUDED.policies`,
		l.URI, l.CreatorDID, l.Policies, l.CreatedAt); err != nil {
		return fmt.Errorf("upsert labeler %s: %w", l.URI, err)
	}

	for _, def := range labelValueDefinitions(l.Policies) {
		if _, err := tx.Exec(ctx, `
			INSERT INTO label_definitions (labeler_did, value, definition, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (labeler_did, value) DO UPDATE SET
				definition = EXCLUDED.definition,
				updated_at = now()`,
			l.CreatorDID, def.value, def.raw); err != nil {
			return fmt.Errorf("upsert label definition %s/%s: %w", l.CreatorDID, def.value, err)
		}
	}
	return tx.Commit(ctx)
}

// DeleteRecord removes a generic record row from the table owning its
// collection. Used for feed generators, starter packs, labelers, and gates.
func (s *Store) DeleteRecord(ctx context.Context, table, uri string) error {
	var q string
	switch table {
	case "feed_generators", "starter_packs", "labeler_services", "post_gates":
		q = fmt.Sprintf(`DELETE FROM %s WHERE uri = $1`, table)
	case "thread_gates":
		q = `DELETE FROM thread_gates WHERE post_uri = $1`
	default:
		return fmt.Errorf("unknown record table %q", table)
	}
	if _, err := s.pool.Exec(ctx, q, uri); err != nil {
		return fmt.Errorf("delete from %s %s: %w", table, uri, err)
	}
	return nil
}

type labelValueDef struct {
	value string
	raw   json.RawMessage
}

// labelValueDefinitions extracts per-value definitions from a labeler policy
// payload. Values without a definition object get an empty one so the value
// is still discoverable.
func labelValueDefinitions(policies json.RawMessage) []labelValueDef {
	var p struct {
		LabelValues           []string          `json:"labelValues"`
		LabelValueDefinitions []json.RawMessage `json:"labelValueDefinitions"`
	}
	if err := json.Unmarshal(policies, &p); err != nil {
		return nil
	}

	defs := make(map[string]json.RawMessage)
	for _, raw := range p.LabelValueDefinitions {
		var id struct {
			Identifier string `json:"identifier"`
		}
		if err := json.Unmarshal(raw, &id); err != nil || id.Identifier == "" {
			continue
		}
		defs[id.Identifier] = raw
	}

	out := make([]labelValueDef, 0, len(p.LabelValues))
	for _, v := range p.LabelValues {
		raw, ok := defs[v]
		if !ok {
			raw = json.RawMessage(`{}`)
		}
		out = append(out, labelValueDef{value: v, raw: raw})
	}
	return out
}
