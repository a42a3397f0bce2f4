package cmd

import (
	"fmt"

	"github.com/foursages/sagebus/internal/broker"
	"github.com/foursages/sagebus/internal/config"
	"github.com/foursages/sagebus/internal/council"
	"github.com/foursages/sagebus/internal/envelope"
	"github.com/foursages/sagebus/internal/gateway"
	"github.com/foursages/sagebus/internal/redisq"
	"github.com/foursages/sagebus/internal/wire"
)

// loadConfig loads and validates the config, failing with the validation
// message rather than letting a half-configured session limp along.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load("")
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// makeCodec builds the envelope codec from the security section.
func makeCodec(cfg config.Config) (*envelope.Codec, error) {
	return envelope.NewCodec(cfg.Security.SigningKey, cfg.EncryptionKey())
}

// makeTransportFactory returns a factory producing one transport per
// session for the configured broker kind. For the in-memory kind every
// transport shares a single process-local hub, so sessions created by
// the same command can still reach each other.
func makeTransportFactory(cfg config.Config) council.TransportFactory {
	switch cfg.Broker.Kind {
	case "redis":
		return func() wire.Transport {
			return redisq.New(redisq.Config{
				URL:      cfg.Broker.RedisURL,
				Password: cfg.Broker.RedisPassword,
				DB:       cfg.Broker.RedisDB,
			})
		}
	case "gateway":
		return func() wire.Transport {
			return gateway.NewTransport(cfg.Broker.GatewayURL, cfg.Broker.APIKey)
		}
	default:
		hub := broker.New()
		return func() wire.Transport {
			return broker.NewClient(hub)
		}
	}
}

// sageList resolves the council membership: roster file first, then the
// config list, then the built-in default.
func sageList(cfg config.Config) ([]string, error) {
	if cfg.Council.RosterFile != "" {
		specs, err := council.LoadRoster(cfg.Council.RosterFile)
		if err != nil {
			return nil, fmt.Errorf("loading roster: %w", err)
		}
		if len(specs) > 0 {
			return council.Identities(specs), nil
		}
	}
	if len(cfg.Council.Sages) > 0 {
		return cfg.Council.Sages, nil
	}
	return council.DefaultSages, nil
}
