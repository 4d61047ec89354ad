package btc

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/djschnei21/vault-plugin-btc-anchor/anchor"
)

// btcBackend defines the backend for the Bitcoin anchoring secrets engine
type btcBackend struct {
	*framework.Backend
	lock   sync.RWMutex
	anchor *anchor.Anchor
	blocks *BlockCache

	// newAnchor builds the facade from the stored config
	newAnchor func(config *btcConfig, logger hclog.Logger) (*anchor.Anchor, error)
}

// Factory creates a new backend instance
func Factory(ctx context.Context, conf *logical.BackendConfig) (logical.Backend, error) {
	b := backend()
	if err := b.Setup(ctx, conf); err != nil {
		return nil, err
	}
	return b, nil
}

func backend() *btcBackend {
	b := &btcBackend{
		blocks:    NewBlockCache(),
		newAnchor: newAnchorFromConfig,
	}

	b.Backend = &framework.Backend{
		Help: strings.TrimSpace(backendHelp),
		PathsSpecial: &logical.Paths{
			SealWrapStorage: []string{
				"config",
			},
		},
		Paths: framework.PathAppend(
			pathConfig(b),
			pathEmbed(b),
			pathSplit(b),
			pathConfirm(b),
			pathTransactions(b),
			pathBlocks(b),
			pathAddress(b),
			pathAddressQR(b),
		),
		Secrets:     []*framework.Secret{},
		BackendType: logical.TypeLogical,
		Invalidate:  b.invalidate,
		Clean:       b.cleanup,
	}

	return b
}

// anchorOptions maps the stored config onto anchor options
func (c *btcConfig) anchorOptions(logger hclog.Logger) anchor.Options {
	fee := c.FeeSatoshi
	return anchor.Options{
		UseTestnet:            c.UseTestnet,
		BlockchainServiceName: c.BlockchainServiceName,
		FeeSatoshi:            &fee,
		BlockcypherToken:      c.BlockcypherToken,
		ElectrumURL:           c.electrumURL(),
		Logger:                logger,
	}
}

func newAnchorFromConfig(config *btcConfig, logger hclog.Logger) (*anchor.Anchor, error) {
	return anchor.New(config.PrivateKeyWIF, config.anchorOptions(logger))
}

// invalidate resets the anchor when configuration changes
func (b *btcBackend) invalidate(ctx context.Context, key string) {
	if key == configStoragePath {
		b.reset()
	}
}

func (b *btcBackend) cleanup(ctx context.Context) {
	b.reset()
}

// reset closes the cached anchor and drops cached block data
func (b *btcBackend) reset() {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.anchor != nil {
		b.Logger().Debug("closing anchor")
		b.anchor.Close()
		b.anchor = nil
	}
	b.blocks.Clear()
}

// getAnchor returns the anchor, creating one from the stored config if
// necessary. Without a config the anchor runs in query-only mode on mainnet.
func (b *btcBackend) getAnchor(ctx context.Context, s logical.Storage) (*anchor.Anchor, error) {
	b.lock.RLock()
	if b.anchor != nil {
		b.lock.RUnlock()
		return b.anchor, nil
	}
	b.lock.RUnlock()

	b.lock.Lock()
	defer b.lock.Unlock()

	// Double-check after acquiring write lock
	if b.anchor != nil {
		return b.anchor, nil
	}

	config, err := getConfig(ctx, s)
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = defaultConfig()
	}

	a, err := b.newAnchor(config, b.Logger().Named("anchor"))
	if err != nil {
		b.Logger().Warn("failed to build anchor from config", "error", err)
		return nil, err
	}

	b.Logger().Info("anchor ready",
		"network", a.Config().Network,
		"service", a.Config().ServiceName,
		"providers", a.Providers())
	b.anchor = a
	return b.anchor, nil
}

// errorResponse turns caller-correctable failures into a logical error
// response. Provider failures are returned as internal errors.
func errorResponse(err error) (*logical.Response, error) {
	switch {
	case errors.Is(err, anchor.ErrConfiguration),
		errors.Is(err, anchor.ErrInvalidArgument),
		errors.Is(err, anchor.ErrInsufficientFunds):
		return logical.ErrorResponse(err.Error()), nil
	default:
		return nil, err
	}
}

const backendHelp = `
The Bitcoin anchor secrets engine embeds data in Bitcoin transactions and
verifies it later.

Data is written into a zero-value OP_RETURN output of a transaction signed
with the configured key. Every operation is served by third-party ledger
data providers (BlockCypher, BitPay Insight, Blockr, and optionally an
Electrum server), tried in order until one succeeds, or pinned to one.

Endpoints:
  btc/config                              - Signing key, network, providers, fee
  btc/embed                               - Anchor hex data in a new transaction
  btc/split                               - Split funds into equal outputs
  btc/confirm                             - Verify anchored data
  btc/confirm/eth                         - Verify data on Ethereum (BlockCypher)
  btc/confirm/block-header                - Verify a block's merkle root
  btc/transactions/:txid/confirmations    - Confirmation count
  btc/blocks/:height/txids                - Transaction ids in a block
  btc/address                             - Signing address, UTXOs and balance
  btc/address/qr                          - QR code for the signing address
`
