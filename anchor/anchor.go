// Package anchor embeds data in Bitcoin null-data outputs and verifies it
// later, spreading every operation across interchangeable ledger-data
// providers with sequential failover.
package anchor

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/djschnei21/vault-plugin-btc-anchor/provider"
	"github.com/djschnei21/vault-plugin-btc-anchor/wallet"
)

// Options configures an Anchor. Zero values select the defaults.
type Options struct {
	UseTestnet bool

	// BlockchainServiceName pins every call to one provider. Empty or
	// "any" enables failover.
	BlockchainServiceName string

	// FeeSatoshi is the flat fee per transaction. Nil or negative selects
	// wallet.DefaultFeeSatoshi.
	FeeSatoshi *int64

	BlockcypherToken string
	ElectrumURL      string

	Logger     hclog.Logger
	HTTPClient *http.Client

	// Providers replaces the built-in registry. The slice order is the
	// failover order.
	Providers []provider.Provider
}

// Config is the normalized, immutable form of Options
type Config struct {
	Network     string
	ServiceName string
	FeeSatoshi  int64
}

// Anchor is safe for concurrent use. It holds no mutable state beyond what
// its providers keep internally.
type Anchor struct {
	config    Config
	identity  *wallet.SigningIdentity
	providers []provider.Provider
	executor  *Executor
	eth       provider.EthConfirmer
	logger    hclog.Logger
}

// EmbedResult identifies a broadcast anchoring transaction
type EmbedResult struct {
	TxID  string
	RawTx string
}

// New creates an Anchor. An empty wif leaves the anchor in query-only mode.
func New(wif string, opts Options) (*Anchor, error) {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	config := Config{
		Network:    wallet.NetworkName(opts.UseTestnet),
		FeeSatoshi: wallet.DefaultFeeSatoshi,
	}
	if opts.FeeSatoshi != nil && *opts.FeeSatoshi >= 0 {
		config.FeeSatoshi = *opts.FeeSatoshi
	}

	a := &Anchor{logger: logger}

	if wif != "" {
		identity, err := wallet.NewSigningIdentity(wif, config.Network)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		a.identity = identity
	}

	providers := opts.Providers
	if providers == nil {
		var err error
		providers, err = buildProviders(&opts, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
	}
	a.providers = providers

	for _, p := range providers {
		if eth, ok := p.(provider.EthConfirmer); ok {
			a.eth = eth
			break
		}
	}

	config.ServiceName = ServiceAny
	name := strings.ToLower(strings.TrimSpace(opts.BlockchainServiceName))
	var pinned provider.Provider
	if name != "" && name != ServiceAny {
		for _, p := range providers {
			if p.Name() == name {
				pinned = p
				break
			}
		}
		switch {
		case pinned != nil:
			config.ServiceName = name
		case isKnownService(name):
			logger.Warn("pinned provider is not configured, using any", "provider", name)
		default:
			logger.Warn("unrecognized blockchain service name, using any", "provider", name)
		}
	}

	if pinned != nil {
		a.executor = NewPinnedExecutor(pinned, logger)
	} else {
		a.executor = NewExecutor(providers, logger)
	}
	a.config = config

	logger.Debug("anchor configured",
		"network", config.Network,
		"service", config.ServiceName,
		"fee_satoshi", config.FeeSatoshi,
		"providers", a.executor.Providers(),
		"key_configured", a.identity != nil)

	return a, nil
}

// Config returns the normalized configuration
func (a *Anchor) Config() Config {
	return a.config
}

// Providers returns the names of the providers in failover order
func (a *Anchor) Providers() []string {
	return a.executor.Providers()
}

// Address returns the signing address, or "" in query-only mode
func (a *Anchor) Address() string {
	if a.identity == nil {
		return ""
	}
	return a.identity.EncodeAddress()
}

// Close releases provider resources such as open connections
func (a *Anchor) Close() {
	for _, p := range a.providers {
		if c, ok := p.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

func (a *Anchor) requireIdentity() error {
	if a.identity == nil {
		return fmt.Errorf("%w: no private key configured", ErrConfiguration)
	}
	return nil
}

// fetchUTXOs lists the signing address's funds through p
func (a *Anchor) fetchUTXOs(ctx context.Context, p provider.Provider) ([]wallet.UTXO, error) {
	outputs, err := p.UnspentOutputs(ctx, a.identity.EncodeAddress())
	if err != nil {
		return nil, err
	}
	utxos := make([]wallet.UTXO, 0, len(outputs))
	for _, out := range outputs {
		utxos = append(utxos, wallet.UTXO{
			TxID:  out.TxID,
			Vout:  out.Vout,
			Value: out.Amount,
		})
	}
	return utxos, nil
}

// Embed anchors the hex-encoded payload in a new transaction and broadcasts
// it. The unspent outputs are re-read and the transaction rebuilt for every
// provider tried.
func (a *Anchor) Embed(ctx context.Context, payloadHex string) (*EmbedResult, error) {
	if err := a.requireIdentity(); err != nil {
		return nil, err
	}
	payload, err := wallet.DecodePayloadHex(payloadHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	return Execute(ctx, a.executor, "embed", func(ctx context.Context, p provider.Provider) (*EmbedResult, error) {
		utxos, err := a.fetchUTXOs(ctx, p)
		if err != nil {
			return nil, err
		}
		selected, err := wallet.SelectLargest(utxos)
		if err != nil {
			return nil, err
		}
		tx, err := wallet.BuildEmbedTransaction(a.identity, selected, payload, a.config.FeeSatoshi)
		if err != nil {
			return nil, err
		}

		txid, err := p.Broadcast(ctx, tx.Hex)
		if err != nil {
			return nil, err
		}
		a.logger.Info("embedded payload", "provider", p.Name(), "txid", txid, "bytes", len(payload))
		return &EmbedResult{TxID: txid, RawTx: tx.Hex}, nil
	})
}

// SplitOutputs spends every unspent output into up to maxOutputs equal
// outputs paying back to the signing address, and returns the txid.
// maxOutputs is capped at wallet.MaxSplitOutputs.
func (a *Anchor) SplitOutputs(ctx context.Context, maxOutputs int) (string, error) {
	if err := a.requireIdentity(); err != nil {
		return "", err
	}
	if maxOutputs < 1 || maxOutputs > wallet.MaxSplitOutputs {
		return "", fmt.Errorf("%w: max outputs must be between 1 and %d, got %d", ErrInvalidArgument, wallet.MaxSplitOutputs, maxOutputs)
	}

	return Execute(ctx, a.executor, "split outputs", func(ctx context.Context, p provider.Provider) (string, error) {
		utxos, err := a.fetchUTXOs(ctx, p)
		if err != nil {
			return "", err
		}
		tx, err := wallet.BuildSplitTransaction(a.identity, utxos, a.config.FeeSatoshi, maxOutputs)
		if err != nil {
			return "", err
		}

		txid, err := p.Broadcast(ctx, tx.Hex)
		if err != nil {
			return "", err
		}
		a.logger.Info("split outputs", "provider", p.Name(), "txid", txid, "outputs", tx.NumOutputs, "inputs", tx.NumInputs)
		return txid, nil
	})
}

// normalizeHex lowercases a hex value and drops an optional 0x prefix
func normalizeHex(s string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
}

// Confirm reports whether transaction txID carries expectedPayloadHex in a
// null-data output. An unknown transaction yields false.
func (a *Anchor) Confirm(ctx context.Context, txID, expectedPayloadHex string) (bool, error) {
	expected := normalizeHex(expectedPayloadHex)
	return Execute(ctx, a.executor, "confirm", func(ctx context.Context, p provider.Provider) (bool, error) {
		return p.ConfirmPayload(ctx, txID, expected)
	})
}

// ConfirmEth reports whether an Ethereum transaction carries expectedValue.
// Only BlockCypher serves this, so it needs a BlockCypher token.
func (a *Anchor) ConfirmEth(ctx context.Context, txID, expectedValue string) (bool, error) {
	if a.eth == nil {
		return false, fmt.Errorf("%w: ethereum confirmation requires a blockcypher token", ErrConfiguration)
	}
	return a.eth.ConfirmEthData(ctx, txID, expectedValue)
}

// ConfirmBTCBlockHeader reports whether the block at height has the given
// merkle root
func (a *Anchor) ConfirmBTCBlockHeader(ctx context.Context, height int64, expectedMerkleRoot string) (bool, error) {
	if height < 0 {
		return false, fmt.Errorf("%w: block height must be non-negative, got %d", ErrInvalidArgument, height)
	}
	expected := normalizeHex(expectedMerkleRoot)
	return Execute(ctx, a.executor, "confirm block header", func(ctx context.Context, p provider.Provider) (bool, error) {
		return p.ConfirmBlockHeader(ctx, height, expected)
	})
}

// GetConfirmationCount returns the number of confirmations of txID, or 0 if
// no provider knows it
func (a *Anchor) GetConfirmationCount(ctx context.Context, txID string) (int64, error) {
	return Execute(ctx, a.executor, "confirmation count", func(ctx context.Context, p provider.Provider) (int64, error) {
		return p.ConfirmationCount(ctx, txID)
	})
}

// GetBlockTransactionIDs lists the transaction ids in the block at height
func (a *Anchor) GetBlockTransactionIDs(ctx context.Context, height int64) ([]string, error) {
	if height < 0 {
		return nil, fmt.Errorf("%w: block height must be non-negative, got %d", ErrInvalidArgument, height)
	}
	return Execute(ctx, a.executor, "block transaction ids", func(ctx context.Context, p provider.Provider) ([]string, error) {
		return p.BlockTransactionIDs(ctx, height)
	})
}

// UnspentOutputs lists the signing address's unspent outputs
func (a *Anchor) UnspentOutputs(ctx context.Context) ([]provider.UnspentOutput, error) {
	if err := a.requireIdentity(); err != nil {
		return nil, err
	}
	address := a.identity.EncodeAddress()
	return Execute(ctx, a.executor, "unspent outputs", func(ctx context.Context, p provider.Provider) ([]provider.UnspentOutput, error) {
		return p.UnspentOutputs(ctx, address)
	})
}
