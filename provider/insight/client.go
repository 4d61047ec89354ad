// Package insight implements the ledger-data provider backed by a BitPay
// Insight explorer API.
package insight

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/djschnei21/vault-plugin-btc-anchor/provider"
	"github.com/djschnei21/vault-plugin-btc-anchor/wallet"
)

const (
	// Name is the registry name of this provider
	Name = "insightbitpay"

	// MainnetBaseURL is BitPay's mainnet Insight API
	MainnetBaseURL = "https://insight.bitpay.com/api"

	// TestnetBaseURL is BitPay's testnet Insight API
	TestnetBaseURL = "https://test-insight.bitpay.com/api"
)

// Config configures a Client
type Config struct {
	Testnet    bool
	BaseURL    string
	HTTPClient *http.Client
}

// Client talks to one Insight instance
type Client struct {
	baseURL   string
	transport *provider.Transport
}

var _ provider.Provider = (*Client)(nil)

// New creates an Insight client
func New(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = MainnetBaseURL
		if cfg.Testnet {
			base = TestnetBaseURL
		}
	}

	transport := provider.NewTransport(Name, cfg.HTTPClient)
	transport.NotFound = notFound

	return &Client{
		baseURL:   base,
		transport: transport,
	}
}

// Insight answers unknown hashes and heights with 404, or with 400 and a
// plain "Not found" body.
func notFound(status int, body []byte) bool {
	if status == http.StatusNotFound {
		return true
	}
	return status == http.StatusBadRequest && bytes.Contains(bytes.ToLower(body), []byte("not found"))
}

// Name returns the registry name
func (c *Client) Name() string {
	return Name
}

type utxo struct {
	TxID     string  `json:"txid"`
	Vout     *uint32 `json:"vout"`
	Amount   float64 `json:"amount"`
	Satoshis *int64  `json:"satoshis"`
}

// UnspentOutputs returns the address's unspent outputs
func (c *Client) UnspentOutputs(ctx context.Context, address string) ([]provider.UnspentOutput, error) {
	const op = "unspent outputs"

	var resp []utxo
	err := c.transport.GetJSON(ctx, op, c.baseURL+"/addr/"+url.PathEscape(address)+"/utxo", &resp)
	if err != nil {
		return nil, err
	}

	outputs := make([]provider.UnspentOutput, 0, len(resp))
	for _, u := range resp {
		if u.TxID == "" || u.Vout == nil {
			return nil, provider.Errorf(Name, op, "%w: utxo missing txid or vout", provider.ErrInvalidResponse)
		}

		var amount int64
		if u.Satoshis != nil {
			amount = *u.Satoshis
		} else {
			amount, err = provider.BTCToSatoshi(u.Amount)
			if err != nil {
				return nil, provider.Wrap(Name, op, err)
			}
		}

		outputs = append(outputs, provider.UnspentOutput{
			TxID:   u.TxID,
			Vout:   *u.Vout,
			Amount: amount,
		})
	}

	return outputs, nil
}

// Broadcast submits a raw transaction
func (c *Client) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	const op = "broadcast"

	var resp struct {
		TxID string `json:"txid"`
	}
	body := map[string]string{"rawtx": rawTxHex}
	if err := c.transport.PostJSON(ctx, op, c.baseURL+"/tx/send", body, &resp); err != nil {
		return "", err
	}
	if resp.TxID == "" {
		return "", provider.Errorf(Name, op, "%w: missing txid", provider.ErrInvalidResponse)
	}
	return resp.TxID, nil
}

type txResponse struct {
	TxID          string `json:"txid"`
	Confirmations int64  `json:"confirmations"`
	Vout          []struct {
		N            uint32 `json:"n"`
		ScriptPubKey struct {
			Hex  string `json:"hex"`
			Asm  string `json:"asm"`
			Type string `json:"type"`
		} `json:"scriptPubKey"`
	} `json:"vout"`
}

func (c *Client) getTx(ctx context.Context, op, txID string) (*txResponse, error) {
	var resp txResponse
	if err := c.transport.GetJSON(ctx, op, c.baseURL+"/tx/"+url.PathEscape(txID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConfirmPayload checks the transaction's outputs for the payload
func (c *Client) ConfirmPayload(ctx context.Context, txID, expectedPayloadHex string) (bool, error) {
	tx, err := c.getTx(ctx, "confirm payload", txID)
	if provider.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	for _, out := range tx.Vout {
		script, err := hex.DecodeString(out.ScriptPubKey.Hex)
		if err == nil && wallet.NullDataMatches(script, expectedPayloadHex) {
			return true, nil
		}
		if out.ScriptPubKey.Asm != "" && strings.EqualFold(out.ScriptPubKey.Asm, "OP_RETURN "+expectedPayloadHex) {
			return true, nil
		}
	}
	return false, nil
}

// ConfirmationCount returns the transaction's confirmations
func (c *Client) ConfirmationCount(ctx context.Context, txID string) (int64, error) {
	tx, err := c.getTx(ctx, "confirmation count", txID)
	if provider.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return tx.Confirmations, nil
}

type blockResponse struct {
	Hash       string   `json:"hash"`
	Height     int64    `json:"height"`
	MerkleRoot string   `json:"merkleroot"`
	Tx         []string `json:"tx"`
}

// getBlock resolves height to a hash, then fetches the block
func (c *Client) getBlock(ctx context.Context, op string, height int64) (*blockResponse, error) {
	var index struct {
		BlockHash string `json:"blockHash"`
	}
	if err := c.transport.GetJSON(ctx, op, c.baseURL+"/block-index/"+strconv.FormatInt(height, 10), &index); err != nil {
		return nil, err
	}
	if index.BlockHash == "" {
		return nil, provider.Errorf(Name, op, "%w: missing block hash", provider.ErrInvalidResponse)
	}

	var block blockResponse
	if err := c.transport.GetJSON(ctx, op, c.baseURL+"/block/"+url.PathEscape(index.BlockHash), &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// ConfirmBlockHeader compares the block's merkle root
func (c *Client) ConfirmBlockHeader(ctx context.Context, height int64, expectedMerkleRoot string) (bool, error) {
	block, err := c.getBlock(ctx, "confirm block header", height)
	if provider.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return block.MerkleRoot != "" && strings.EqualFold(block.MerkleRoot, expectedMerkleRoot), nil
}

// BlockTransactionIDs lists the block's transaction ids
func (c *Client) BlockTransactionIDs(ctx context.Context, height int64) ([]string, error) {
	block, err := c.getBlock(ctx, "block transaction ids", height)
	if provider.IsNotFound(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if block.Tx == nil {
		return []string{}, nil
	}
	return block.Tx, nil
}
