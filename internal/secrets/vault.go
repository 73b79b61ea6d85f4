package secrets

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/vault/api"

	"spot-trading-engine/config"
)

// Vault resolves secrets from a KV v2 mount. Keys address a secret path with
// an optional field after '#' ("trading/coinbase#api_key"); the field
// defaults to "value".
type Vault struct {
	client *api.Client
	mount  string
}

func NewVault(cfg config.VaultConfig) (*Vault, error) {
	conf := api.DefaultConfig()
	conf.Address = cfg.Address

	client, err := api.NewClient(conf)
	if err != nil {
		return nil, fmt.Errorf("secrets: vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	return &Vault{client: client, mount: mount}, nil
}

func (v *Vault) Name() string { return "vault" }

func (v *Vault) Get(ctx context.Context, key string) (string, error) {
	path, field := key, "value"
	if i := strings.IndexByte(key, '#'); i >= 0 {
		path, field = key[:i], key[i+1:]
	}

	secret, err := v.client.Logical().ReadWithContext(ctx, v.mount+"/data/"+path)
	if err != nil {
		return "", fmt.Errorf("secrets: vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %s in vault", ErrNotFound, key)
	}

	// KV v2 nests the payload under "data".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("secrets: vault secret %s is not kv2", path)
	}
	val, ok := data[field].(string)
	if !ok || val == "" {
		return "", fmt.Errorf("%w: field %q of %s in vault", ErrNotFound, field, path)
	}
	return val, nil
}

// Health pings the Vault server and fails on a sealed vault.
func (v *Vault) Health(ctx context.Context) error {
	health, err := v.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("secrets: vault health: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("secrets: vault is sealed")
	}
	return nil
}
