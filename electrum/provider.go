package electrum

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"

	"github.com/djschnei21/vault-plugin-btc-anchor/provider"
	"github.com/djschnei21/vault-plugin-btc-anchor/wallet"
)

// Name is the registry name of the Electrum provider
const Name = "electrum"

// Config configures a Provider
type Config struct {
	URL     string
	Testnet bool
	Logger  hclog.Logger
}

// Provider serves ledger data from a single Electrum server. The connection
// is opened on first use and re-opened after it breaks.
type Provider struct {
	url     string
	network string
	logger  hclog.Logger

	lock   sync.RWMutex
	client *Client
	dial   func(ctx context.Context, url string) (*Client, error)
}

var _ provider.Provider = (*Provider)(nil)

// NewProvider creates an Electrum provider. No connection is made until the
// first call.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("electrum: server URL is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Provider{
		url:     cfg.URL,
		network: wallet.NetworkName(cfg.Testnet),
		logger:  logger.Named(Name),
		dial:    NewClient,
	}, nil
}

// Name returns the registry name
func (p *Provider) Name() string {
	return Name
}

// Close drops the cached connection
func (p *Provider) Close() {
	p.reset()
}

// reset clears the cached Electrum client
func (p *Provider) reset() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.client != nil {
		p.logger.Debug("closing Electrum connection")
		p.client.Close()
		p.client = nil
	}
}

// getClient returns the Electrum client, creating one if necessary
func (p *Provider) getClient(ctx context.Context) (*Client, error) {
	p.lock.RLock()
	if p.client != nil {
		p.lock.RUnlock()
		return p.client, nil
	}
	p.lock.RUnlock()

	p.lock.Lock()
	defer p.lock.Unlock()

	// Double-check after acquiring write lock
	if p.client != nil {
		return p.client, nil
	}

	p.logger.Debug("connecting to Electrum server", "url", p.url, "network", p.network)
	client, err := p.dial(ctx, p.url)
	if err != nil {
		p.logger.Warn("failed to connect to Electrum server", "url", p.url, "error", err)
		return nil, err
	}

	p.logger.Info("connected to Electrum server", "url", p.url, "network", p.network)
	p.client = client
	return p.client, nil
}

// isConnectionError checks if an error indicates a broken connection
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "i/o timeout")
}

// isNotFound recognizes the daemon errors servers relay for unknown
// transactions and heights
func isNotFound(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "no such mempool or blockchain transaction") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "missing transaction") ||
		strings.Contains(msg, "out of range") ||
		strings.Contains(msg, "invalid height")
}

// do runs fn against the cached client. A stale connection is reset and
// fn retried once on a fresh one.
func (p *Provider) do(ctx context.Context, op string, fn func(*Client) error) error {
	for attempt := 0; ; attempt++ {
		client, err := p.getClient(ctx)
		if err != nil {
			return provider.Errorf(Name, op, "%w: %w", provider.ErrRequestFailed, err)
		}

		err = fn(client)
		if err == nil {
			return nil
		}
		if isNotFound(err) {
			return &provider.Error{Provider: Name, Op: op, Err: provider.ErrNotFound}
		}
		if isConnectionError(err) && ctx.Err() == nil {
			p.logger.Warn("detected stale connection, resetting client", "error", err)
			p.reset()
			if attempt == 0 {
				continue
			}
		}
		return provider.Errorf(Name, op, "%w: %w", provider.ErrRequestFailed, err)
	}
}

// UnspentOutputs lists the address's unspent outputs by scripthash
func (p *Provider) UnspentOutputs(ctx context.Context, address string) ([]provider.UnspentOutput, error) {
	const op = "unspent outputs"

	if err := wallet.ValidateAddress(address, p.network); err != nil {
		return nil, provider.Wrap(Name, op, err)
	}
	script, err := wallet.GetScriptPubKey(address, p.network)
	if err != nil {
		return nil, provider.Wrap(Name, op, err)
	}

	var utxos []UTXO
	err = p.do(ctx, op, func(c *Client) error {
		var err error
		utxos, err = c.ListUnspent(ctx, ScriptHash(script))
		return err
	})
	if err != nil {
		return nil, err
	}

	outputs := make([]provider.UnspentOutput, 0, len(utxos))
	for _, u := range utxos {
		outputs = append(outputs, provider.UnspentOutput{
			TxID:   u.TxHash,
			Vout:   u.TxPos,
			Amount: u.Value,
		})
	}
	return outputs, nil
}

// Broadcast submits a raw transaction
func (p *Provider) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	const op = "broadcast"

	var txid string
	err := p.do(ctx, op, func(c *Client) error {
		var err error
		txid, err = c.BroadcastTransaction(ctx, rawTxHex)
		return err
	})
	if provider.IsNotFound(err) {
		return "", provider.Errorf(Name, op, "%w: transaction rejected", provider.ErrRequestFailed)
	}
	if err != nil {
		return "", err
	}
	return txid, nil
}

// ConfirmPayload fetches the raw transaction and inspects its null-data
// outputs
func (p *Provider) ConfirmPayload(ctx context.Context, txID, expectedPayloadHex string) (bool, error) {
	const op = "confirm payload"

	var raw string
	err := p.do(ctx, op, func(c *Client) error {
		var err error
		raw, err = c.GetTransaction(ctx, txID)
		return err
	})
	if provider.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	tx, err := wallet.DecodeTransaction(raw)
	if err != nil {
		return false, provider.Errorf(Name, op, "%w: %w", provider.ErrInvalidResponse, err)
	}
	for _, out := range tx.TxOut {
		if wallet.NullDataMatches(out.PkScript, expectedPayloadHex) {
			return true, nil
		}
	}
	return false, nil
}

// ConfirmationCount reads confirmations from the verbose transaction
func (p *Provider) ConfirmationCount(ctx context.Context, txID string) (int64, error) {
	const op = "confirmation count"

	var tx *VerboseTransaction
	err := p.do(ctx, op, func(c *Client) error {
		var err error
		tx, err = c.GetVerboseTransaction(ctx, txID)
		return err
	})
	if provider.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return tx.Confirmations, nil
}

// ConfirmBlockHeader deserializes the header at height and compares its
// merkle root
func (p *Provider) ConfirmBlockHeader(ctx context.Context, height int64, expectedMerkleRoot string) (bool, error) {
	const op = "confirm block header"

	var headerHex string
	err := p.do(ctx, op, func(c *Client) error {
		var err error
		headerHex, err = c.GetBlockHeader(ctx, height)
		return err
	})
	if provider.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	raw, err := hex.DecodeString(headerHex)
	if err != nil {
		return false, provider.Errorf(Name, op, "%w: header hex: %w", provider.ErrInvalidResponse, err)
	}
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return false, provider.Errorf(Name, op, "%w: header: %w", provider.ErrInvalidResponse, err)
	}

	return strings.EqualFold(header.MerkleRoot.String(), expectedMerkleRoot), nil
}

// BlockTransactionIDs is not offered by the Electrum protocol
func (p *Provider) BlockTransactionIDs(ctx context.Context, height int64) ([]string, error) {
	return nil, &provider.Error{Provider: Name, Op: "block transaction ids", Err: provider.ErrUnsupported}
}
