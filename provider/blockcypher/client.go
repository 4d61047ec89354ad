// Package blockcypher implements the ledger-data provider backed by the
// BlockCypher API. It needs an API token, and is the only provider that can
// confirm data on the Ethereum chain.
package blockcypher

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/djschnei21/vault-plugin-btc-anchor/provider"
	"github.com/djschnei21/vault-plugin-btc-anchor/wallet"
)

const (
	// Name is the registry name of this provider
	Name = "blockcypher"

	// DefaultBaseURL is the public BlockCypher API root
	DefaultBaseURL = "https://api.blockcypher.com/v1"

	// blockPageSize is the largest txids page BlockCypher serves
	blockPageSize = 500

	// addressPageSize is the largest txrefs page BlockCypher serves
	addressPageSize = 2000

	// maxAddressPages bounds how far back an address history is followed
	maxAddressPages = 50
)

// Config configures a Client
type Config struct {
	Token      string
	Testnet    bool
	BaseURL    string
	HTTPClient *http.Client
}

// Client talks to BlockCypher for one Bitcoin network
type Client struct {
	token     string
	chainURL  string
	ethURL    string
	transport *provider.Transport
}

var (
	_ provider.Provider     = (*Client)(nil)
	_ provider.EthConfirmer = (*Client)(nil)
)

// New creates a BlockCypher client. The token is required.
func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("blockcypher: API token is required")
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}

	chain := "main"
	if cfg.Testnet {
		chain = "test3"
	}

	return &Client{
		token:     cfg.Token,
		chainURL:  base + "/btc/" + chain,
		ethURL:    base + "/eth/main",
		transport: provider.NewTransport(Name, cfg.HTTPClient),
	}, nil
}

// Name returns the registry name
func (c *Client) Name() string {
	return Name
}

func (c *Client) url(root, path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("token", c.token)
	return root + path + "?" + query.Encode()
}

type txRef struct {
	TxHash      string `json:"tx_hash"`
	TxOutputN   int64  `json:"tx_output_n"`
	Value       int64  `json:"value"`
	BlockHeight int64  `json:"block_height"`
	Spent       bool   `json:"spent"`
	DoubleSpend bool   `json:"double_spend"`
}

type addressResponse struct {
	Address           string  `json:"address"`
	TxRefs            []txRef `json:"txrefs"`
	UnconfirmedTxRefs []txRef `json:"unconfirmed_txrefs"`
	HasMore           bool    `json:"hasMore"`
}

// UnspentOutputs returns confirmed and unconfirmed unspent outputs. Long
// histories are paged with "before", moving below the lowest block height
// seen so far.
func (c *Client) UnspentOutputs(ctx context.Context, address string) ([]provider.UnspentOutput, error) {
	const op = "unspent outputs"

	outputs := []provider.UnspentOutput{}
	seen := make(map[string]bool)
	var before int64

	for page := 0; ; page++ {
		if page == maxAddressPages {
			return nil, provider.Errorf(Name, op, "%w: more than %d pages of unspent outputs", provider.ErrInvalidResponse, maxAddressPages)
		}

		query := url.Values{
			"unspentOnly":   {"true"},
			"includeScript": {"false"},
			"limit":         {strconv.Itoa(addressPageSize)},
		}
		if before > 0 {
			query.Set("before", strconv.FormatInt(before, 10))
		}

		var resp addressResponse
		err := c.transport.GetJSON(ctx, op, c.url(c.chainURL, "/addrs/"+url.PathEscape(address), query), &resp)
		if provider.IsNotFound(err) {
			return outputs, nil
		}
		if err != nil {
			return nil, err
		}

		lowest := before
		refs := append(append([]txRef{}, resp.TxRefs...), resp.UnconfirmedTxRefs...)
		for _, ref := range refs {
			if ref.Spent || ref.DoubleSpend || ref.TxOutputN < 0 {
				continue
			}
			if ref.TxHash == "" || ref.Value < 0 {
				return nil, provider.Errorf(Name, op, "%w: malformed txref %+v", provider.ErrInvalidResponse, ref)
			}
			if ref.BlockHeight > 0 && (lowest == 0 || ref.BlockHeight < lowest) {
				lowest = ref.BlockHeight
			}
			key := ref.TxHash + ":" + strconv.FormatInt(ref.TxOutputN, 10)
			if seen[key] {
				continue
			}
			seen[key] = true
			outputs = append(outputs, provider.UnspentOutput{
				TxID:   ref.TxHash,
				Vout:   uint32(ref.TxOutputN),
				Amount: ref.Value,
			})
		}

		if !resp.HasMore {
			return outputs, nil
		}
		if lowest == 0 || lowest == before {
			return nil, provider.Errorf(Name, op, "%w: hasMore set without a lower block height", provider.ErrInvalidResponse)
		}
		before = lowest
	}
}

type pushResponse struct {
	Tx struct {
		Hash string `json:"hash"`
	} `json:"tx"`
}

// Broadcast pushes a raw transaction
func (c *Client) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	const op = "broadcast"

	var resp pushResponse
	body := map[string]string{"tx": rawTxHex}
	if err := c.transport.PostJSON(ctx, op, c.url(c.chainURL, "/txs/push", nil), body, &resp); err != nil {
		return "", err
	}
	if resp.Tx.Hash == "" {
		return "", provider.Errorf(Name, op, "%w: missing transaction hash", provider.ErrInvalidResponse)
	}
	return resp.Tx.Hash, nil
}

type txOutput struct {
	Value      int64  `json:"value"`
	Script     string `json:"script"`
	ScriptType string `json:"script_type"`
	DataHex    string `json:"data_hex"`
}

type txResponse struct {
	Hash          string     `json:"hash"`
	BlockHeight   int64      `json:"block_height"`
	Confirmations int64      `json:"confirmations"`
	Outputs       []txOutput `json:"outputs"`
}

func (c *Client) getTx(ctx context.Context, root, op, txID string) (*txResponse, error) {
	var resp txResponse
	query := url.Values{"limit": {strconv.Itoa(blockPageSize)}}
	if err := c.transport.GetJSON(ctx, op, c.url(root, "/txs/"+url.PathEscape(txID), query), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConfirmPayload checks the transaction's null-data outputs for the payload
func (c *Client) ConfirmPayload(ctx context.Context, txID, expectedPayloadHex string) (bool, error) {
	tx, err := c.getTx(ctx, c.chainURL, "confirm payload", txID)
	if provider.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	for _, out := range tx.Outputs {
		if out.ScriptType != "null-data" {
			continue
		}
		script, err := hex.DecodeString(out.Script)
		if err != nil {
			continue
		}
		if wallet.NullDataMatches(script, expectedPayloadHex) {
			return true, nil
		}
	}
	return false, nil
}

// ConfirmationCount returns the transaction's confirmations
func (c *Client) ConfirmationCount(ctx context.Context, txID string) (int64, error) {
	tx, err := c.getTx(ctx, c.chainURL, "confirmation count", txID)
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
	MerkleRoot string   `json:"mrkl_root"`
	NumTx      int      `json:"n_tx"`
	TxIDs      []string `json:"txids"`
}

func (c *Client) getBlock(ctx context.Context, op string, height int64, start int) (*blockResponse, error) {
	var resp blockResponse
	query := url.Values{
		"txstart": {strconv.Itoa(start)},
		"limit":   {strconv.Itoa(blockPageSize)},
	}
	path := "/blocks/" + strconv.FormatInt(height, 10)
	if err := c.transport.GetJSON(ctx, op, c.url(c.chainURL, path, query), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConfirmBlockHeader compares the block's merkle root
func (c *Client) ConfirmBlockHeader(ctx context.Context, height int64, expectedMerkleRoot string) (bool, error) {
	block, err := c.getBlock(ctx, "confirm block header", height, 0)
	if provider.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return block.MerkleRoot != "" && strings.EqualFold(block.MerkleRoot, expectedMerkleRoot), nil
}

// BlockTransactionIDs pages through every txid in the block
func (c *Client) BlockTransactionIDs(ctx context.Context, height int64) ([]string, error) {
	const op = "block transaction ids"

	var txids []string
	for start := 0; ; {
		block, err := c.getBlock(ctx, op, height, start)
		if provider.IsNotFound(err) {
			return []string{}, nil
		}
		if err != nil {
			return nil, err
		}

		txids = append(txids, block.TxIDs...)
		if len(block.TxIDs) == 0 || len(txids) >= block.NumTx {
			break
		}
		start = len(txids)
	}

	if txids == nil {
		txids = []string{}
	}
	return txids, nil
}

// ConfirmEthData checks whether an Ethereum transaction carries
// expectedValue as its data
func (c *Client) ConfirmEthData(ctx context.Context, txID, expectedValue string) (bool, error) {
	tx, err := c.getTx(ctx, c.ethURL, "confirm eth data", strings.TrimPrefix(txID, "0x"))
	if provider.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	want := strings.TrimPrefix(strings.ToLower(expectedValue), "0x")
	if want == "" {
		return false, nil
	}
	for _, out := range tx.Outputs {
		if strings.TrimPrefix(strings.ToLower(out.Script), "0x") == want {
			return true, nil
		}
	}
	return false, nil
}
