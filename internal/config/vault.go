package config

import (
	"fmt"

	"github.com/hashicorp/vault/api"
)

// kv2Secrets reads the inner data map of one KV v2 secret. The AppView keeps
// a single flat secret (DATABASE_URL, REDIS_URL) at one path, so there is no
// client worth holding onto between loads.
func kv2Secrets(address, token, path string) (map[string]interface{}, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	secret, err := client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data found at %s", path)
	}

	// KV v2 wraps the payload in a "data" envelope.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s is not a KV v2 secret", path)
	}
	return data, nil
}
