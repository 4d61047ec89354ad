package btc

import (
	"context"
	cryptorand "crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-btc-anchor/anchor"
	"github.com/djschnei21/vault-plugin-btc-anchor/wallet"
)

const configStoragePath = "config"

// electrumPoolURL selects a random server from the default pool instead of
// a fixed electrum_url
const electrumPoolURL = "pool"

// Default Electrum server pools per network
var (
	MainnetElectrumServers = []string{
		"ssl://electrum.blockstream.info:50002",
		"ssl://electrum.bitaroo.net:50002",
		"ssl://electrum.emzy.de:50002",
	}

	TestnetElectrumServers = []string{
		"ssl://electrum.blockstream.info:60002",
		"ssl://testnet.aranguren.org:51002",
	}
)

// getRandomServer returns a random server from the pool for the given network
func getRandomServer(network string) string {
	servers := MainnetElectrumServers
	if network == wallet.NetworkTestnet {
		servers = TestnetElectrumServers
	}

	n, err := cryptorand.Int(cryptorand.Reader, big.NewInt(int64(len(servers))))
	if err != nil {
		return servers[0]
	}
	return servers[n.Int64()]
}

// btcConfig stores the secrets engine configuration
type btcConfig struct {
	PrivateKeyWIF         string `json:"private_key_wif"`
	UseTestnet            bool   `json:"use_testnet"`
	BlockchainServiceName string `json:"blockchain_service_name"`
	FeeSatoshi            int64  `json:"fee_satoshi"`
	BlockcypherToken      string `json:"blockcypher_token"`
	ElectrumURL           string `json:"electrum_url"`
}

func defaultConfig() *btcConfig {
	return &btcConfig{
		BlockchainServiceName: anchor.ServiceAny,
		FeeSatoshi:            wallet.DefaultFeeSatoshi,
	}
}

// network returns the configured network name
func (c *btcConfig) network() string {
	return wallet.NetworkName(c.UseTestnet)
}

// electrumURL resolves the pool keyword into a concrete server
func (c *btcConfig) electrumURL() string {
	if strings.EqualFold(c.ElectrumURL, electrumPoolURL) {
		return getRandomServer(c.network())
	}
	return c.ElectrumURL
}

func pathConfig(b *btcBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "config",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
			},
			Fields: map[string]*framework.FieldSchema{
				"private_key_wif": {
					Type:        framework.TypeString,
					Description: "WIF-encoded private key that signs anchoring transactions. If not set, only queries are available.",
					DisplayAttrs: &framework.DisplayAttributes{
						Sensitive: true,
					},
				},
				"use_testnet": {
					Type:        framework.TypeBool,
					Description: "Use the Bitcoin test network instead of mainnet",
					Default:     false,
				},
				"blockchain_service_name": {
					Type:        framework.TypeString,
					Description: "Provider to pin every call to, or 'any' for failover across all providers",
					Default:     anchor.ServiceAny,
				},
				"fee_satoshi": {
					Type:        framework.TypeInt64,
					Description: "Flat fee in satoshis for every transaction (default: 10000)",
					Default:     int64(wallet.DefaultFeeSatoshi),
				},
				"blockcypher_token": {
					Type:        framework.TypeString,
					Description: "BlockCypher API token. Enables the blockcypher provider and Ethereum confirmation.",
					DisplayAttrs: &framework.DisplayAttributes{
						Sensitive: true,
					},
				},
				"electrum_url": {
					Type:        framework.TypeString,
					Description: "Electrum server URL, or 'pool' for a random default server. Enables the electrum provider.",
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathConfigRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "config",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathConfigWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "config",
					},
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathConfigWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "config",
					},
				},
				logical.DeleteOperation: &framework.PathOperation{
					Callback: b.pathConfigDelete,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "config",
					},
				},
			},
			ExistenceCheck:  b.pathConfigExistenceCheck,
			HelpSynopsis:    pathConfigHelpSynopsis,
			HelpDescription: pathConfigHelpDescription,
		},
	}
}

func (b *btcBackend) pathConfigExistenceCheck(ctx context.Context, req *logical.Request, data *framework.FieldData) (bool, error) {
	out, err := req.Storage.Get(ctx, configStoragePath)
	if err != nil {
		return false, fmt.Errorf("existence check failed: %w", err)
	}
	return out != nil, nil
}

func (b *btcBackend) pathConfigRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	config, err := getConfig(ctx, req.Storage)
	if err != nil {
		return nil, err
	}
	if config == nil {
		b.Logger().Debug("no config found")
		return nil, nil
	}

	a, err := b.getAnchor(ctx, req.Storage)
	if err != nil {
		return errorResponse(err)
	}

	// Secrets are never returned, only whether they are set
	respData := map[string]interface{}{
		"network":                      a.Config().Network,
		"use_testnet":                  config.UseTestnet,
		"blockchain_service_name":      config.BlockchainServiceName,
		"effective_service_name":       a.Config().ServiceName,
		"fee_satoshi":                  a.Config().FeeSatoshi,
		"key_configured":               config.PrivateKeyWIF != "",
		"blockcypher_token_configured": config.BlockcypherToken != "",
		"providers":                    a.Providers(),
	}
	if addr := a.Address(); addr != "" {
		respData["address"] = addr
	}
	if config.ElectrumURL != "" {
		respData["electrum_url"] = config.ElectrumURL
	}

	return &logical.Response{Data: respData}, nil
}

func (b *btcBackend) pathConfigWrite(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	b.Logger().Debug("writing config", "operation", req.Operation)
	config, err := getConfig(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	createOperation := req.Operation == logical.CreateOperation

	if config == nil {
		if !createOperation {
			return nil, fmt.Errorf("config not found during update operation")
		}
		config = defaultConfig()
	}

	if wif, ok := data.GetOk("private_key_wif"); ok {
		config.PrivateKeyWIF = strings.TrimSpace(wif.(string))
	}
	if testnet, ok := data.GetOk("use_testnet"); ok {
		config.UseTestnet = testnet.(bool)
	}
	if name, ok := data.GetOk("blockchain_service_name"); ok {
		config.BlockchainServiceName = strings.ToLower(strings.TrimSpace(name.(string)))
	}
	if fee, ok := data.GetOk("fee_satoshi"); ok {
		config.FeeSatoshi = fee.(int64)
	}
	if token, ok := data.GetOk("blockcypher_token"); ok {
		config.BlockcypherToken = token.(string)
	}
	if electrumURL, ok := data.GetOk("electrum_url"); ok {
		config.ElectrumURL = strings.TrimSpace(electrumURL.(string))
	}

	if config.FeeSatoshi < 0 {
		return logical.ErrorResponse("fee_satoshi must be >= 0"), nil
	}

	// Build once to validate the key against the network before storing
	a, err := b.newAnchor(config, b.Logger().Named("anchor"))
	if err != nil {
		if errors.Is(err, anchor.ErrConfiguration) {
			return logical.ErrorResponse(err.Error()), nil
		}
		return nil, err
	}
	defer a.Close()

	entry, err := logical.StorageEntryJSON(configStoragePath, config)
	if err != nil {
		return nil, err
	}
	if err := req.Storage.Put(ctx, entry); err != nil {
		return nil, err
	}

	// Reset the anchor so the new config takes effect
	b.reset()

	b.Logger().Info("config saved",
		"network", config.network(),
		"service", a.Config().ServiceName,
		"providers", a.Providers(),
		"key_configured", config.PrivateKeyWIF != "")

	name := config.BlockchainServiceName
	if name != "" && name != anchor.ServiceAny && name != a.Config().ServiceName {
		resp := &logical.Response{}
		resp.AddWarning(fmt.Sprintf("blockchain service %q is not available, using failover across %v", name, a.Providers()))
		return resp, nil
	}
	return nil, nil
}

func (b *btcBackend) pathConfigDelete(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	b.Logger().Debug("deleting config")
	err := req.Storage.Delete(ctx, configStoragePath)
	if err != nil {
		return nil, fmt.Errorf("error deleting config: %w", err)
	}

	b.reset()

	b.Logger().Info("config deleted")
	return nil, nil
}

// getConfig retrieves the configuration from storage
func getConfig(ctx context.Context, s logical.Storage) (*btcConfig, error) {
	entry, err := s.Get(ctx, configStoragePath)
	if err != nil {
		return nil, fmt.Errorf("error retrieving config: %w", err)
	}

	if entry == nil {
		return nil, nil
	}

	config := new(btcConfig)
	if err := entry.DecodeJSON(config); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}

	return config, nil
}

const pathConfigHelpSynopsis = `
Configure the Bitcoin anchor secrets engine.
`

const pathConfigHelpDescription = `
This endpoint configures the signing key, network, providers and fee used
to anchor data.

Parameters:
  - private_key_wif: WIF private key (optional - query-only without it)
  - use_testnet: use testnet instead of mainnet (default: false)
  - blockchain_service_name: blockcypher, insightbitpay, blockr, electrum
    or any (default: any)
  - fee_satoshi: flat fee per transaction (default: 10000)
  - blockcypher_token: enables the blockcypher provider and confirm/eth
  - electrum_url: enables the electrum provider; 'pool' picks a random
    default server per connection

Provider Selection:
  With blockchain_service_name=any every operation tries the configured
  providers in order (blockcypher, insightbitpay, blockr, electrum) until
  one succeeds. Naming a provider pins every call to it. A name that is
  unknown or not configured falls back to any, with a warning.

Example (testnet, failover):
  $ vault write btc/config \
      private_key_wif="cV..." \
      use_testnet=true

Example (mainnet pinned to an Electrum server):
  $ vault write btc/config \
      private_key_wif="L1..." \
      electrum_url="ssl://electrum.blockstream.info:50002" \
      blockchain_service_name=electrum

The key and token are never returned:
  $ vault read btc/config
`
