package anchor

import (
	"github.com/hashicorp/go-hclog"

	"github.com/djschnei21/vault-plugin-btc-anchor/electrum"
	"github.com/djschnei21/vault-plugin-btc-anchor/provider"
	"github.com/djschnei21/vault-plugin-btc-anchor/provider/blockcypher"
	"github.com/djschnei21/vault-plugin-btc-anchor/provider/blockr"
	"github.com/djschnei21/vault-plugin-btc-anchor/provider/insight"
)

// ServiceAny selects failover across every available provider
const ServiceAny = "any"

// registration builds one provider. build returns nil when the provider's
// credential is not configured.
type registration struct {
	name  string
	build func(opts *Options, logger hclog.Logger) (provider.Provider, error)
}

// registry lists every known provider in failover order
var registry = []registration{
	{
		name: blockcypher.Name,
		build: func(opts *Options, _ hclog.Logger) (provider.Provider, error) {
			if opts.BlockcypherToken == "" {
				return nil, nil
			}
			return blockcypher.New(blockcypher.Config{
				Token:      opts.BlockcypherToken,
				Testnet:    opts.UseTestnet,
				HTTPClient: opts.HTTPClient,
			})
		},
	},
	{
		name: insight.Name,
		build: func(opts *Options, _ hclog.Logger) (provider.Provider, error) {
			return insight.New(insight.Config{
				Testnet:    opts.UseTestnet,
				HTTPClient: opts.HTTPClient,
			}), nil
		},
	},
	{
		name: blockr.Name,
		build: func(opts *Options, _ hclog.Logger) (provider.Provider, error) {
			return blockr.New(blockr.Config{
				Testnet:    opts.UseTestnet,
				HTTPClient: opts.HTTPClient,
			}), nil
		},
	},
	{
		name: electrum.Name,
		build: func(opts *Options, logger hclog.Logger) (provider.Provider, error) {
			if opts.ElectrumURL == "" {
				return nil, nil
			}
			return electrum.NewProvider(electrum.Config{
				URL:     opts.ElectrumURL,
				Testnet: opts.UseTestnet,
				Logger:  logger,
			})
		},
	},
}

// KnownServices returns every recognized service name, in failover order
func KnownServices() []string {
	names := make([]string, 0, len(registry))
	for _, r := range registry {
		names = append(names, r.name)
	}
	return names
}

func isKnownService(name string) bool {
	for _, r := range registry {
		if r.name == name {
			return true
		}
	}
	return false
}

// buildProviders resolves the registry into the ordered provider list,
// skipping providers without credentials
func buildProviders(opts *Options, logger hclog.Logger) ([]provider.Provider, error) {
	var providers []provider.Provider
	for _, r := range registry {
		p, err := r.build(opts, logger)
		if err != nil {
			return nil, err
		}
		if p == nil {
			logger.Debug("provider not configured", "provider", r.name)
			continue
		}
		providers = append(providers, p)
	}
	return providers, nil
}
