// Package blockr implements the ledger-data provider backed by the Blockr.io
// explorer API.
package blockr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/djschnei21/vault-plugin-btc-anchor/provider"
)

const (
	// Name is the registry name of this provider
	Name = "blockr"

	MainnetBaseURL = "https://btc.blockr.io/api/v1"
	TestnetBaseURL = "https://tbtc.blockr.io/api/v1"

	statusSuccess = "success"
	typeNullData  = "nulldata"
)

// Config configures a Client
type Config struct {
	Testnet    bool
	BaseURL    string
	HTTPClient *http.Client
}

// Client talks to Blockr for one Bitcoin network
type Client struct {
	baseURL   string
	transport *provider.Transport
}

var _ provider.Provider = (*Client)(nil)

// New creates a Blockr client
func New(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = MainnetBaseURL
		if cfg.Testnet {
			base = TestnetBaseURL
		}
	}

	transport := provider.NewTransport(Name, cfg.HTTPClient)
	// Blockr answers unknown or malformed ids with 400 or 404. Rate limits
	// and auth failures stay errors so failover moves on.
	transport.NotFound = func(status int, _ []byte) bool {
		return status == http.StatusNotFound || status == http.StatusBadRequest
	}

	return &Client{
		baseURL:   base,
		transport: transport,
	}
}

// Name returns the registry name
func (c *Client) Name() string {
	return Name
}

// envelope is the wrapper around every Blockr response
type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (e envelope) check(op string) error {
	if e.Status == statusSuccess {
		return nil
	}
	msg := e.Message
	if msg == "" {
		msg = e.Status
	}
	return provider.Errorf(Name, op, "%w: status %q", provider.ErrRequestFailed, msg)
}

type unspentResponse struct {
	envelope
	Data struct {
		Address string `json:"address"`
		Unspent []struct {
			Tx     string      `json:"tx"`
			N      *uint32     `json:"n"`
			Amount json.Number `json:"amount"`
		} `json:"unspent"`
	} `json:"data"`
}

// UnspentOutputs returns confirmed and unconfirmed unspent outputs
func (c *Client) UnspentOutputs(ctx context.Context, address string) ([]provider.UnspentOutput, error) {
	const op = "unspent outputs"

	var resp unspentResponse
	u := c.baseURL + "/address/unspent/" + url.PathEscape(address) + "?unconfirmed=1"
	if err := c.transport.GetJSON(ctx, op, u, &resp); err != nil {
		return nil, err
	}
	if err := resp.check(op); err != nil {
		return nil, err
	}

	outputs := make([]provider.UnspentOutput, 0, len(resp.Data.Unspent))
	for _, out := range resp.Data.Unspent {
		if out.Tx == "" || out.N == nil {
			return nil, provider.Errorf(Name, op, "%w: unspent output missing tx or n", provider.ErrInvalidResponse)
		}
		btc, err := out.Amount.Float64()
		if err != nil {
			return nil, provider.Errorf(Name, op, "%w: amount %q", provider.ErrInvalidResponse, out.Amount)
		}
		amount, err := provider.BTCToSatoshi(btc)
		if err != nil {
			return nil, provider.Wrap(Name, op, err)
		}
		outputs = append(outputs, provider.UnspentOutput{
			TxID:   out.Tx,
			Vout:   *out.N,
			Amount: amount,
		})
	}

	return outputs, nil
}

// Broadcast pushes a raw transaction
func (c *Client) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	const op = "broadcast"

	var resp struct {
		envelope
		Data string `json:"data"`
	}
	body := map[string]string{"hex": rawTxHex}
	if err := c.transport.PostJSON(ctx, op, c.baseURL+"/tx/push", body, &resp); err != nil {
		// a rejected transaction is a failure, not a missing resource
		if provider.IsNotFound(err) {
			return "", provider.Errorf(Name, op, "%w: transaction rejected", provider.ErrRequestFailed)
		}
		return "", err
	}
	if resp.Status != statusSuccess {
		return "", provider.Errorf(Name, op, "%w: %s", provider.ErrRequestFailed, resp.Data)
	}
	if resp.Data == "" {
		return "", provider.Errorf(Name, op, "%w: missing txid", provider.ErrInvalidResponse)
	}
	return resp.Data, nil
}

type txInfoResponse struct {
	envelope
	Data struct {
		Tx            string `json:"tx"`
		Confirmations int64  `json:"confirmations"`
		Vouts         []struct {
			N      uint32 `json:"n"`
			Extras *struct {
				Asm  string `json:"asm"`
				Type string `json:"type"`
			} `json:"extras"`
		} `json:"vouts"`
	} `json:"data"`
}

func (c *Client) txInfo(ctx context.Context, op, txID string) (*txInfoResponse, error) {
	var resp txInfoResponse
	if err := c.transport.GetJSON(ctx, op, c.baseURL+"/tx/info/"+url.PathEscape(txID), &resp); err != nil {
		return nil, err
	}
	if err := resp.check(op); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConfirmPayload looks for a nulldata output whose asm is
// "OP_RETURN <payload>"
func (c *Client) ConfirmPayload(ctx context.Context, txID, expectedPayloadHex string) (bool, error) {
	info, err := c.txInfo(ctx, "confirm payload", txID)
	if provider.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	want := "OP_RETURN " + expectedPayloadHex
	for _, out := range info.Data.Vouts {
		if out.Extras == nil || out.Extras.Type != typeNullData {
			continue
		}
		if strings.EqualFold(out.Extras.Asm, want) {
			return true, nil
		}
	}
	return false, nil
}

// ConfirmationCount returns the transaction's confirmations
func (c *Client) ConfirmationCount(ctx context.Context, txID string) (int64, error) {
	info, err := c.txInfo(ctx, "confirmation count", txID)
	if provider.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Data.Confirmations, nil
}

// ConfirmBlockHeader compares the block's merkle root
func (c *Client) ConfirmBlockHeader(ctx context.Context, height int64, expectedMerkleRoot string) (bool, error) {
	const op = "confirm block header"

	var resp struct {
		envelope
		Data struct {
			Nb         int64  `json:"nb"`
			MerkleRoot string `json:"merkleroot"`
		} `json:"data"`
	}
	err := c.transport.GetJSON(ctx, op, c.baseURL+"/block/info/"+strconv.FormatInt(height, 10), &resp)
	if provider.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := resp.check(op); err != nil {
		return false, err
	}
	return resp.Data.MerkleRoot != "" && strings.EqualFold(resp.Data.MerkleRoot, expectedMerkleRoot), nil
}

// BlockTransactionIDs lists the block's transaction ids from its raw form
func (c *Client) BlockTransactionIDs(ctx context.Context, height int64) ([]string, error) {
	const op = "block transaction ids"

	var resp struct {
		envelope
		Data struct {
			Tx []string `json:"tx"`
		} `json:"data"`
	}
	err := c.transport.GetJSON(ctx, op, c.baseURL+"/block/raw/"+strconv.FormatInt(height, 10), &resp)
	if provider.IsNotFound(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := resp.check(op); err != nil {
		return nil, err
	}
	if resp.Data.Tx == nil {
		return []string{}, nil
	}
	return resp.Data.Tx, nil
}
