package exchange

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"spot-trading-engine/config"
)

// Credentials authenticate one exchange account. For Coinbase, APIKey is the
// CDP key name and APISecret the EC private key PEM; Binance and Bybit take
// the plain key/secret pair.
type Credentials struct {
	APIKey    string
	APISecret string
}

// New builds the adapter for cfg.Exchange. Paper mode wraps the venue in the
// simulated broker, so paper fills track the venue's real quotes. Live mode
// refuses to start without credentials.
func New(cfg *config.Config, creds Credentials, log zerolog.Logger) (Adapter, error) {
	if cfg.IsLive() && (creds.APIKey == "" || creds.APISecret == "") {
		return nil, fmt.Errorf("exchange: live mode requires credentials for %s", cfg.Exchange)
	}
	venue, err := newVenue(cfg, creds, log)
	if err != nil {
		return nil, err
	}
	if cfg.IsLive() {
		return venue, nil
	}
	return NewPaperBroker(venue, cfg.Paper.InitialCashUsd, cfg.Paper.FeeBps, log), nil
}

func newVenue(cfg *config.Config, creds Credentials, log zerolog.Logger) (Adapter, error) {
	switch strings.ToLower(cfg.Exchange) {
	case config.ExchangeCoinbase:
		// Coinbase authenticates market data too, so paper mode still
		// needs a key.
		return NewCoinbase(creds, log)
	case config.ExchangeBinance:
		return NewBinance(creds, cfg.Symbols, log), nil
	case config.ExchangeBybit:
		return NewBybit(creds, log), nil
	}
	return nil, fmt.Errorf("exchange: unknown venue %q", cfg.Exchange)
}
