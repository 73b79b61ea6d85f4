// Package secrets resolves authentication material by name through a chain
// of backends: environment variables, HashiCorp Vault, the aws CLI, and the
// 1Password CLI. Values are never logged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"spot-trading-engine/config"
)

// ErrNotFound marks a key no backend could resolve. Backend failures other
// than a miss do not carry it.
var ErrNotFound = errors.New("secrets: not found")

// Provider resolves one named secret. Keys use slash-separated paths
// ("coinbase/api_key"); each backend maps them to its own addressing.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
}

// Env reads secrets from environment variables. "coinbase/api_key" resolves
// from COINBASE_API_KEY; Prefix, when set, is prepended ("APP_" ->
// APP_COINBASE_API_KEY).
type Env struct {
	Prefix string
}

func (Env) Name() string { return "env" }

func (e Env) Get(_ context.Context, key string) (string, error) {
	name := e.Prefix + envName(key)
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s (env %s)", ErrNotFound, key, name)
}

func envName(key string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
	return strings.ToUpper(mapped)
}

// Chain tries each provider in order. Misses fall through silently; other
// backend failures log and fall through, so one broken backend cannot mask
// a key available later in the chain.
type Chain struct {
	log       zerolog.Logger
	providers []Provider
}

func NewChain(log zerolog.Logger, providers ...Provider) *Chain {
	return &Chain{log: log.With().Str("component", "secrets").Logger(), providers: providers}
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) Get(ctx context.Context, key string) (string, error) {
	for _, p := range c.providers {
		v, err := p.Get(ctx, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			c.log.Warn().Err(err).
				Str("provider", p.Name()).
				Str("key", key).
				Msg("secret backend failed, trying next")
		}
	}
	return "", fmt.Errorf("%w: %s (all providers)", ErrNotFound, key)
}

// BuildChain assembles the default resolution order: env first, Vault when
// configured, then whichever of the aws/op CLIs are installed.
func BuildChain(cfg *config.Config, log zerolog.Logger) *Chain {
	providers := []Provider{Env{}}

	if cfg.Vault.Enabled {
		v, err := NewVault(cfg.Vault)
		if err != nil {
			log.Warn().Err(err).Msg("vault backend unavailable, skipping")
		} else {
			providers = append(providers, v)
		}
	}
	if _, err := exec.LookPath("aws"); err == nil {
		providers = append(providers, NewAWS(os.Getenv("AWS_REGION")))
	}
	if _, err := exec.LookPath("op"); err == nil {
		providers = append(providers, NewOnePassword(""))
	}
	return NewChain(log, providers...)
}

// ExchangeCredentials resolves the venue's key pair under
// "<exchange>/api_key" and "<exchange>/api_secret".
func ExchangeCredentials(ctx context.Context, p Provider, exchange string) (apiKey, apiSecret string, err error) {
	apiKey, err = p.Get(ctx, exchange+"/api_key")
	if err != nil {
		return "", "", err
	}
	apiSecret, err = p.Get(ctx, exchange+"/api_secret")
	if err != nil {
		return "", "", err
	}
	return apiKey, apiSecret, nil
}
