package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/vault/api"
)

// SecretManager wraps the Vault API client for reading credentials that
// should not live in the environment or on disk.
type SecretManager struct {
	client *api.Client
}

// NewSecretManager creates a Vault client pointed at the given address and
// authenticated with the provided token.
func NewSecretManager(address, token string) (*SecretManager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// GetKV2 reads from a KV v2 backend and returns the inner "data" map,
// unwrapping the v2 envelope automatically.
func (s *SecretManager) GetKV2(path string) (map[string]interface{}, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data found at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

// ApplyVaultOverrides pulls redis and mock-server credentials from Vault when
// VAULT_ADDR and VAULT_TOKEN are present. The secret path defaults to
// secret/data/mockado and can be overridden with MOCKADO_VAULT_SECRET_PATH.
// Recognized keys: redis_url, redis_password, wiremock_url. Absence of Vault
// configuration is not an error; the env/file values stand.
func ApplyVaultOverrides(cfg *Config) error {
	addr := os.Getenv("VAULT_ADDR")
	token := os.Getenv("VAULT_TOKEN")
	if addr == "" || token == "" {
		return nil
	}

	sm, err := NewSecretManager(addr, token)
	if err != nil {
		return err
	}

	path := os.Getenv(EnvPrefix + "VAULT_SECRET_PATH")
	if path == "" {
		path = "secret/data/mockado"
	}

	data, err := sm.GetKV2(path)
	if err != nil {
		return err
	}

	if v, ok := data["redis_url"].(string); ok && v != "" {
		cfg.RedisURL = v
	}
	if v, ok := data["redis_password"].(string); ok && v != "" {
		cfg.RedisPassword = v
	}
	if v, ok := data["wiremock_url"].(string); ok && v != "" {
		cfg.WireMockURL = v
	}
	return nil
}
