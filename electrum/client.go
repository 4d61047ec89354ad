package electrum

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	dialTimeout    = 30 * time.Second
	requestTimeout = 30 * time.Second

	clientName      = "vault-plugin-btc-anchor"
	protocolVersion = "1.4"
)

// ErrClosed is returned for calls made after the connection went away
var ErrClosed = errors.New("electrum: connection closed")

// Client represents an Electrum protocol client
type Client struct {
	conn     net.Conn
	mu       sync.Mutex
	id       atomic.Uint64
	url      string
	useTLS   bool
	host     string
	port     string
	respChan map[uint64]chan *rpcResponse
	respMu   sync.Mutex
	closed   bool
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError is an error returned by the server for a single request
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("electrum error %d: %s", e.Code, e.Message)
}

// UTXO represents an unspent transaction output
type UTXO struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Height int64  `json:"height"`
	Value  int64  `json:"value"`
}

// VerboseTransaction is the decoded form returned by
// blockchain.transaction.get with verbose set
type VerboseTransaction struct {
	TxID          string `json:"txid"`
	Hex           string `json:"hex"`
	Confirmations int64  `json:"confirmations"`
	BlockHash     string `json:"blockhash"`
}

// NewClient dials the server and negotiates the protocol version
func NewClient(ctx context.Context, url string) (*Client, error) {
	c := &Client{
		url:      url,
		respChan: make(map[uint64]chan *rpcResponse),
	}

	if err := c.parseURL(url); err != nil {
		return nil, err
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	go c.readResponses()

	if err := c.negotiateVersion(ctx); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

func (c *Client) parseURL(url string) error {
	if strings.HasPrefix(url, "ssl://") {
		c.useTLS = true
		url = strings.TrimPrefix(url, "ssl://")
	} else if strings.HasPrefix(url, "tcp://") {
		c.useTLS = false
		url = strings.TrimPrefix(url, "tcp://")
	} else {
		// Default to TLS
		c.useTLS = true
	}

	host, port, err := net.SplitHostPort(url)
	if err != nil || host == "" || port == "" {
		return fmt.Errorf("invalid URL format: expected host:port")
	}

	c.host = host
	c.port = port

	return nil
}

func (c *Client) connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.host, c.port)
	dialer := &net.Dialer{Timeout: dialTimeout}

	var conn net.Conn
	var err error

	if c.useTLS {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config: &tls.Config{
				MinVersion: tls.VersionTLS12,
				ServerName: c.host,
			},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}

	if err != nil {
		return fmt.Errorf("failed to connect to Electrum server: %w", err)
	}

	c.conn = conn
	return nil
}

func (c *Client) readResponses() {
	decoder := json.NewDecoder(c.conn)
	for {
		var resp rpcResponse
		if err := decoder.Decode(&resp); err != nil {
			c.Close()

			// Wake every waiter
			c.respMu.Lock()
			for _, ch := range c.respChan {
				close(ch)
			}
			c.respChan = make(map[uint64]chan *rpcResponse)
			c.respMu.Unlock()
			return
		}

		c.respMu.Lock()
		if ch, ok := c.respChan[resp.ID]; ok {
			ch <- &resp
			delete(c.respChan, resp.ID)
		}
		c.respMu.Unlock()
	}
}

func (c *Client) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	id := c.id.Add(1)

	if params == nil {
		params = []interface{}{}
	}
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	respCh := make(chan *rpcResponse, 1)
	c.respMu.Lock()
	c.respChan[id] = respCh
	c.respMu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		c.forget(id)
		return nil, err
	}
	data = append(data, '\n')

	c.mu.Lock()
	_, err = c.conn.Write(data)
	c.mu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (c *Client) forget(id uint64) {
	c.respMu.Lock()
	delete(c.respChan, id)
	c.respMu.Unlock()
}

func (c *Client) negotiateVersion(ctx context.Context) error {
	result, err := c.call(ctx, "server.version", clientName, protocolVersion)
	if err != nil {
		return fmt.Errorf("version negotiation failed: %w", err)
	}

	var version []string
	if err := json.Unmarshal(result, &version); err != nil {
		return fmt.Errorf("failed to parse version response: %w", err)
	}

	return nil
}

// Close closes the client connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// ListUnspent returns unspent outputs for a scripthash
func (c *Client) ListUnspent(ctx context.Context, scripthash string) ([]UTXO, error) {
	result, err := c.call(ctx, "blockchain.scripthash.listunspent", scripthash)
	if err != nil {
		return nil, err
	}

	var utxos []UTXO
	if err := json.Unmarshal(result, &utxos); err != nil {
		return nil, fmt.Errorf("failed to parse UTXOs: %w", err)
	}

	return utxos, nil
}

// GetTransaction returns raw transaction data
func (c *Client) GetTransaction(ctx context.Context, txhash string) (string, error) {
	result, err := c.call(ctx, "blockchain.transaction.get", txhash)
	if err != nil {
		return "", err
	}

	var rawtx string
	if err := json.Unmarshal(result, &rawtx); err != nil {
		return "", fmt.Errorf("failed to parse transaction: %w", err)
	}

	return rawtx, nil
}

// GetVerboseTransaction returns the decoded transaction. Servers backed by
// a node without a transaction index may not support it.
func (c *Client) GetVerboseTransaction(ctx context.Context, txhash string) (*VerboseTransaction, error) {
	result, err := c.call(ctx, "blockchain.transaction.get", txhash, true)
	if err != nil {
		return nil, err
	}

	var tx VerboseTransaction
	if err := json.Unmarshal(result, &tx); err != nil {
		return nil, fmt.Errorf("failed to parse verbose transaction: %w", err)
	}

	return &tx, nil
}

// BroadcastTransaction broadcasts a raw transaction and returns the txid
func (c *Client) BroadcastTransaction(ctx context.Context, rawtx string) (string, error) {
	result, err := c.call(ctx, "blockchain.transaction.broadcast", rawtx)
	if err != nil {
		return "", err
	}

	var txid string
	if err := json.Unmarshal(result, &txid); err != nil {
		return "", fmt.Errorf("failed to parse broadcast result: %w", err)
	}

	return txid, nil
}

// GetBlockHeader returns the raw block header at the given height
func (c *Client) GetBlockHeader(ctx context.Context, height int64) (string, error) {
	result, err := c.call(ctx, "blockchain.block.header", height)
	if err != nil {
		return "", err
	}

	var header string
	if err := json.Unmarshal(result, &header); err != nil {
		return "", fmt.Errorf("failed to parse block header: %w", err)
	}

	return header, nil
}

// ScriptHash converts a scriptPubKey to an Electrum scripthash.
// The scripthash is SHA256 of the scriptPubKey, reversed (little-endian)
func ScriptHash(scriptPubKey []byte) string {
	hash := sha256.Sum256(scriptPubKey)
	for i, j := 0, len(hash)-1; i < j; i, j = i+1, j-1 {
		hash[i], hash[j] = hash[j], hash[i]
	}
	return hex.EncodeToString(hash[:])
}
