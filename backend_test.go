package btc

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/vault/sdk/logical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djschnei21/vault-plugin-btc-anchor/anchor"
	"github.com/djschnei21/vault-plugin-btc-anchor/provider"
)

const (
	testWIF     = "KwDiBf89QgGbjEhKnhXJuH7LrciVrZi3qYjgd9M7rFU73sVHnoWn"
	testAddress = "1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH"
)

var (
	fundingTxID  = strings.Repeat("ab", 32)
	anchorTxID   = strings.Repeat("cd", 32)
	errLedgerOut = errors.New("ledger unavailable")
)

// fakeProvider serves canned ledger data
type fakeProvider struct {
	utxos     []provider.UnspentOutput
	payloads  map[string]string
	roots     map[int64]string
	counts    map[string]int64
	blocks    map[int64][]string
	err       error
	broadcast []string
	calls     map[string]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		payloads: make(map[string]string),
		roots:    make(map[int64]string),
		counts:   make(map[string]int64),
		blocks:   make(map[int64][]string),
		calls:    make(map[string]int),
	}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) UnspentOutputs(ctx context.Context, address string) ([]provider.UnspentOutput, error) {
	f.calls["utxos"]++
	if f.err != nil {
		return nil, f.err
	}
	return f.utxos, nil
}

func (f *fakeProvider) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	f.calls["broadcast"]++
	if f.err != nil {
		return "", f.err
	}
	f.broadcast = append(f.broadcast, rawTxHex)
	return anchorTxID, nil
}

func (f *fakeProvider) ConfirmPayload(ctx context.Context, txID, expectedPayloadHex string) (bool, error) {
	f.calls["confirm"]++
	if f.err != nil {
		return false, f.err
	}
	return f.payloads[txID] == expectedPayloadHex, nil
}

func (f *fakeProvider) ConfirmBlockHeader(ctx context.Context, height int64, expectedMerkleRoot string) (bool, error) {
	f.calls["header"]++
	if f.err != nil {
		return false, f.err
	}
	return f.roots[height] == expectedMerkleRoot, nil
}

func (f *fakeProvider) ConfirmationCount(ctx context.Context, txID string) (int64, error) {
	f.calls["count"]++
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[txID], nil
}

func (f *fakeProvider) BlockTransactionIDs(ctx context.Context, height int64) ([]string, error) {
	f.calls["blocks"]++
	if f.err != nil {
		return nil, f.err
	}
	return f.blocks[height], nil
}

func getTestBackend(t *testing.T, providers ...provider.Provider) (*btcBackend, logical.Storage) {
	t.Helper()

	config := logical.TestBackendConfig()
	config.StorageView = &logical.InmemStorage{}
	config.Logger = hclog.NewNullLogger()

	b := backend()
	b.newAnchor = func(c *btcConfig, logger hclog.Logger) (*anchor.Anchor, error) {
		opts := c.anchorOptions(logger)
		opts.Providers = append([]provider.Provider{}, providers...)
		return anchor.New(c.PrivateKeyWIF, opts)
	}
	require.NoError(t, b.Setup(context.Background(), config))

	return b, config.StorageView
}

func doRequest(t *testing.T, b *btcBackend, s logical.Storage, op logical.Operation, path string, data map[string]interface{}) (*logical.Response, error) {
	t.Helper()
	return b.HandleRequest(context.Background(), &logical.Request{
		Operation: op,
		Path:      path,
		Storage:   s,
		Data:      data,
	})
}

func writeConfig(t *testing.T, b *btcBackend, s logical.Storage, data map[string]interface{}) {
	t.Helper()
	resp, err := doRequest(t, b, s, logical.CreateOperation, "config", data)
	require.NoError(t, err)
	if resp != nil {
		require.False(t, resp.IsError(), "unexpected error response: %v", resp.Error())
	}
}

func TestConfig_WriteReadDelete(t *testing.T) {
	b, s := getTestBackend(t, newFakeProvider())

	writeConfig(t, b, s, map[string]interface{}{
		"private_key_wif":   testWIF,
		"fee_satoshi":       5000,
		"blockcypher_token": "secret-token",
	})

	resp, err := doRequest(t, b, s, logical.ReadOperation, "config", nil)
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, "mainnet", resp.Data["network"])
	assert.Equal(t, testAddress, resp.Data["address"])
	assert.Equal(t, int64(5000), resp.Data["fee_satoshi"])
	assert.Equal(t, true, resp.Data["key_configured"])
	assert.Equal(t, true, resp.Data["blockcypher_token_configured"])
	assert.Equal(t, []string{"fake"}, resp.Data["providers"])
	assert.Equal(t, anchor.ServiceAny, resp.Data["effective_service_name"])
	assert.NotContains(t, resp.Data, "private_key_wif")
	assert.NotContains(t, resp.Data, "blockcypher_token")

	_, err = doRequest(t, b, s, logical.DeleteOperation, "config", nil)
	require.NoError(t, err)

	resp, err = doRequest(t, b, s, logical.ReadOperation, "config", nil)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		data map[string]interface{}
	}{
		{"malformed key", map[string]interface{}{"private_key_wif": "not-a-key"}},
		{"key for other network", map[string]interface{}{"private_key_wif": testWIF, "use_testnet": true}},
		{"negative fee", map[string]interface{}{"fee_satoshi": -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, s := getTestBackend(t, newFakeProvider())
			resp, err := doRequest(t, b, s, logical.CreateOperation, "config", tt.data)
			require.NoError(t, err)
			require.NotNil(t, resp)
			assert.True(t, resp.IsError())

			// nothing is stored
			config, err := getConfig(context.Background(), s)
			require.NoError(t, err)
			assert.Nil(t, config)
		})
	}
}

func TestConfig_UnavailableServiceWarns(t *testing.T) {
	b, s := getTestBackend(t, newFakeProvider())

	resp, err := doRequest(t, b, s, logical.CreateOperation, "config", map[string]interface{}{
		"blockchain_service_name": "Electrum",
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.False(t, resp.IsError())
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "electrum")

	resp, err = doRequest(t, b, s, logical.ReadOperation, "config", nil)
	require.NoError(t, err)
	assert.Equal(t, "electrum", resp.Data["blockchain_service_name"])
	assert.Equal(t, anchor.ServiceAny, resp.Data["effective_service_name"])
}

func TestConfig_PinnedService(t *testing.T) {
	b, s := getTestBackend(t, newFakeProvider())

	resp, err := doRequest(t, b, s, logical.CreateOperation, "config", map[string]interface{}{
		"blockchain_service_name": "fake",
	})
	require.NoError(t, err)
	assert.Nil(t, resp)

	resp, err = doRequest(t, b, s, logical.ReadOperation, "config", nil)
	require.NoError(t, err)
	assert.Equal(t, "fake", resp.Data["effective_service_name"])
}

func TestConfig_UpdateResetsAnchor(t *testing.T) {
	b, s := getTestBackend(t, newFakeProvider())
	writeConfig(t, b, s, map[string]interface{}{"fee_satoshi": 1000})

	a1, err := b.getAnchor(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), a1.Config().FeeSatoshi)

	_, err = doRequest(t, b, s, logical.UpdateOperation, "config", map[string]interface{}{"fee_satoshi": 2000})
	require.NoError(t, err)

	a2, err := b.getAnchor(context.Background(), s)
	require.NoError(t, err)
	assert.NotSame(t, a1, a2)
	assert.Equal(t, int64(2000), a2.Config().FeeSatoshi)
}

func TestGetAnchor_DefaultsWithoutConfig(t *testing.T) {
	b, s := getTestBackend(t, newFakeProvider())

	a, err := b.getAnchor(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "mainnet", a.Config().Network)
	assert.Equal(t, int64(10000), a.Config().FeeSatoshi)
	assert.Empty(t, a.Address())

	again, err := b.getAnchor(context.Background(), s)
	require.NoError(t, err)
	assert.Same(t, a, again)
}

func TestEmbed(t *testing.T) {
	p := newFakeProvider()
	p.utxos = []provider.UnspentOutput{
		{TxID: fundingTxID, Vout: 0, Amount: 20000},
		{TxID: fundingTxID, Vout: 1, Amount: 290000},
	}
	b, s := getTestBackend(t, p)
	writeConfig(t, b, s, map[string]interface{}{"private_key_wif": testWIF})

	resp, err := doRequest(t, b, s, logical.UpdateOperation, "embed", map[string]interface{}{
		"data": "48656c6c6f",
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.False(t, resp.IsError(), "unexpected error: %v", resp.Error())

	assert.Equal(t, anchorTxID, resp.Data["transaction_id"])
	require.Len(t, p.broadcast, 1)
	assert.Equal(t, p.broadcast[0], resp.Data["raw_tx"])
	assert.Contains(t, p.broadcast[0], "6a0548656c6c6f")
	assert.Equal(t, testAddress, resp.Data["address"])
}

func TestEmbed_EmptyData(t *testing.T) {
	p := newFakeProvider()
	p.utxos = []provider.UnspentOutput{{TxID: fundingTxID, Vout: 0, Amount: 290000}}
	b, s := getTestBackend(t, p)
	writeConfig(t, b, s, map[string]interface{}{"private_key_wif": testWIF})

	resp, err := doRequest(t, b, s, logical.UpdateOperation, "embed", map[string]interface{}{
		"data": "",
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.False(t, resp.IsError(), "unexpected error: %v", resp.Error())

	require.Len(t, p.broadcast, 1)
	// zero-value output carrying OP_RETURN OP_0
	assert.Contains(t, p.broadcast[0], "0000000000000000026a00")
}

func TestEmbed_Errors(t *testing.T) {
	tests := []struct {
		name    string
		wif     string
		utxos   []provider.UnspentOutput
		data    string
		noData  bool
		wantMsg string
	}{
		{
			name:    "no key",
			data:    "00",
			wantMsg: "no private key",
		},
		{
			name:    "missing data",
			wif:     testWIF,
			noData:  true,
			wantMsg: "data is required",
		},
		{
			name:    "bad hex",
			wif:     testWIF,
			data:    "zz",
			wantMsg: "invalid argument",
		},
		{
			name:    "insufficient funds",
			wif:     testWIF,
			utxos:   []provider.UnspentOutput{{TxID: fundingTxID, Vout: 0, Amount: 5000}},
			data:    "00",
			wantMsg: "insufficient funds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider()
			p.utxos = tt.utxos
			b, s := getTestBackend(t, p)
			if tt.wif != "" {
				writeConfig(t, b, s, map[string]interface{}{"private_key_wif": tt.wif})
			}

			reqData := map[string]interface{}{"data": tt.data}
			if tt.noData {
				reqData = map[string]interface{}{}
			}

			resp, err := doRequest(t, b, s, logical.UpdateOperation, "embed", reqData)
			require.NoError(t, err)
			require.NotNil(t, resp)
			require.True(t, resp.IsError())
			assert.Contains(t, resp.Error().Error(), tt.wantMsg)
			assert.Empty(t, p.broadcast)
		})
	}
}

func TestEmbed_ProviderFailure(t *testing.T) {
	p := newFakeProvider()
	p.err = errLedgerOut
	b, s := getTestBackend(t, p)
	writeConfig(t, b, s, map[string]interface{}{"private_key_wif": testWIF})

	_, err := doRequest(t, b, s, logical.UpdateOperation, "embed", map[string]interface{}{
		"data": "00",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errLedgerOut)

	var allErr *anchor.AllProvidersFailedError
	assert.ErrorAs(t, err, &allErr)
}

func TestSplit(t *testing.T) {
	p := newFakeProvider()
	p.utxos = []provider.UnspentOutput{
		{TxID: fundingTxID, Vout: 0, Amount: 1000000},
		{TxID: fundingTxID, Vout: 1, Amount: 10003},
	}
	b, s := getTestBackend(t, p)
	writeConfig(t, b, s, map[string]interface{}{"private_key_wif": testWIF})

	resp, err := doRequest(t, b, s, logical.UpdateOperation, "split", map[string]interface{}{
		"max_outputs": 5,
	})
	require.NoError(t, err)
	require.False(t, resp.IsError(), "unexpected error: %v", resp.Error())
	assert.Equal(t, anchorTxID, resp.Data["transaction_id"])
	require.Len(t, p.broadcast, 1)

	for _, n := range []int{0, 1 << 30} {
		resp, err = doRequest(t, b, s, logical.UpdateOperation, "split", map[string]interface{}{
			"max_outputs": n,
		})
		require.NoError(t, err)
		assert.True(t, resp.IsError(), "max_outputs %d", n)
	}

	resp, err = doRequest(t, b, s, logical.UpdateOperation, "split", map[string]interface{}{})
	require.NoError(t, err)
	assert.True(t, resp.IsError())
	assert.Len(t, p.broadcast, 1)
}

func TestConfirm(t *testing.T) {
	p := newFakeProvider()
	p.payloads[anchorTxID] = "48656c6c6f"
	b, s := getTestBackend(t, p)

	tests := []struct {
		name     string
		txID     string
		expected string
		want     bool
	}{
		{"match", anchorTxID, "48656c6c6f", true},
		{"match ignoring case and prefix", anchorTxID, "0x48656C6C6F", true},
		{"different payload", anchorTxID, "00", false},
		{"unknown transaction", fundingTxID, "48656c6c6f", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := doRequest(t, b, s, logical.UpdateOperation, "confirm", map[string]interface{}{
				"transaction_id": tt.txID,
				"expected_value": tt.expected,
			})
			require.NoError(t, err)
			require.False(t, resp.IsError())
			assert.Equal(t, tt.want, resp.Data["confirmed"])
		})
	}

	resp, err := doRequest(t, b, s, logical.UpdateOperation, "confirm", map[string]interface{}{
		"transaction_id": anchorTxID,
	})
	require.NoError(t, err)
	assert.True(t, resp.IsError())
}

func TestConfirmEth_RequiresToken(t *testing.T) {
	b, s := getTestBackend(t, newFakeProvider())

	resp, err := doRequest(t, b, s, logical.UpdateOperation, "confirm/eth", map[string]interface{}{
		"transaction_id": "0x" + anchorTxID,
		"expected_value": "48656c6c6f",
	})
	require.NoError(t, err)
	require.True(t, resp.IsError())
	assert.Contains(t, resp.Error().Error(), "blockcypher token")
}

func TestConfirmBlockHeader(t *testing.T) {
	root := strings.Repeat("0f", 32)
	p := newFakeProvider()
	p.roots[100000] = root
	b, s := getTestBackend(t, p)

	resp, err := doRequest(t, b, s, logical.UpdateOperation, "confirm/block-header", map[string]interface{}{
		"block_height":   100000,
		"expected_value": strings.ToUpper(root),
	})
	require.NoError(t, err)
	assert.Equal(t, true, resp.Data["confirmed"])

	resp, err = doRequest(t, b, s, logical.UpdateOperation, "confirm/block-header", map[string]interface{}{
		"block_height":   1,
		"expected_value": root,
	})
	require.NoError(t, err)
	assert.Equal(t, false, resp.Data["confirmed"])

	resp, err = doRequest(t, b, s, logical.UpdateOperation, "confirm/block-header", map[string]interface{}{
		"block_height":   -1,
		"expected_value": root,
	})
	require.NoError(t, err)
	assert.True(t, resp.IsError())
}

func TestTransactionConfirmations(t *testing.T) {
	p := newFakeProvider()
	p.counts[anchorTxID] = 6
	b, s := getTestBackend(t, p)

	resp, err := doRequest(t, b, s, logical.ReadOperation, "transactions/"+anchorTxID+"/confirmations", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(6), resp.Data["confirmations"])

	resp, err = doRequest(t, b, s, logical.ReadOperation, "transactions/"+fundingTxID+"/confirmations", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), resp.Data["confirmations"])
}

func TestBlockTxIDs(t *testing.T) {
	p := newFakeProvider()
	p.blocks[170] = []string{anchorTxID, fundingTxID}
	b, s := getTestBackend(t, p)

	resp, err := doRequest(t, b, s, logical.ReadOperation, "blocks/170/txids", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{anchorTxID, fundingTxID}, resp.Data["txids"])
	assert.Equal(t, false, resp.Data["cached"])

	resp, err = doRequest(t, b, s, logical.ReadOperation, "blocks/170/txids", nil)
	require.NoError(t, err)
	assert.Equal(t, true, resp.Data["cached"])
	assert.Equal(t, 1, p.calls["blocks"])

	resp, err = doRequest(t, b, s, logical.ReadOperation, "blocks/170/txids", map[string]interface{}{"refresh": true})
	require.NoError(t, err)
	assert.Equal(t, false, resp.Data["cached"])
	assert.Equal(t, 2, p.calls["blocks"])

	// unknown heights are never cached
	resp, err = doRequest(t, b, s, logical.ReadOperation, "blocks/999999/txids", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{}, resp.Data["txids"])
	assert.Equal(t, 0, resp.Data["count"])
	_, _ = doRequest(t, b, s, logical.ReadOperation, "blocks/999999/txids", nil)
	assert.Equal(t, 4, p.calls["blocks"])

	// a config change drops cached blocks
	writeConfig(t, b, s, map[string]interface{}{"fee_satoshi": 1})
	assert.Zero(t, b.blocks.Len())
}

func TestAddress(t *testing.T) {
	p := newFakeProvider()
	p.utxos = []provider.UnspentOutput{
		{TxID: fundingTxID, Vout: 0, Amount: 500},
		{TxID: fundingTxID, Vout: 1, Amount: 290000},
		{TxID: anchorTxID, Vout: 1, Amount: 20000},
	}
	b, s := getTestBackend(t, p)
	writeConfig(t, b, s, map[string]interface{}{"private_key_wif": testWIF})

	resp, err := doRequest(t, b, s, logical.ReadOperation, "address", map[string]interface{}{
		"min_value": 1000,
	})
	require.NoError(t, err)
	require.False(t, resp.IsError())

	assert.Equal(t, testAddress, resp.Data["address"])
	assert.Equal(t, 2, resp.Data["utxo_count"])
	assert.Equal(t, int64(310000), resp.Data["total_value"])

	utxos := resp.Data["utxos"].([]map[string]interface{})
	assert.Equal(t, int64(290000), utxos[0]["value"])
	assert.Equal(t, int64(20000), utxos[1]["value"])
}

func TestAddress_DefaultMinValue(t *testing.T) {
	p := newFakeProvider()
	p.utxos = []provider.UnspentOutput{
		{TxID: fundingTxID, Vout: 0, Amount: 1},
		{TxID: fundingTxID, Vout: 1, Amount: 290000},
	}
	b, s := getTestBackend(t, p)
	writeConfig(t, b, s, map[string]interface{}{"private_key_wif": testWIF})

	var resp *logical.Response
	var err error
	require.NotPanics(t, func() {
		resp, err = doRequest(t, b, s, logical.ReadOperation, "address", nil)
	})
	require.NoError(t, err)
	require.False(t, resp.IsError())
	assert.Equal(t, 2, resp.Data["utxo_count"])
	assert.Equal(t, int64(290001), resp.Data["total_value"])
}

func TestAddress_NoKey(t *testing.T) {
	b, s := getTestBackend(t, newFakeProvider())

	resp, err := doRequest(t, b, s, logical.ReadOperation, "address", nil)
	require.NoError(t, err)
	assert.True(t, resp.IsError())
}

func TestAddressQR(t *testing.T) {
	b, s := getTestBackend(t, newFakeProvider())

	resp, err := doRequest(t, b, s, logical.ReadOperation, "address/qr", nil)
	require.NoError(t, err)
	assert.True(t, resp.IsError())

	writeConfig(t, b, s, map[string]interface{}{"private_key_wif": testWIF})

	resp, err = doRequest(t, b, s, logical.ReadOperation, "address/qr", nil)
	require.NoError(t, err)
	require.False(t, resp.IsError())
	assert.Equal(t, "bitcoin:"+testAddress, resp.Data["uri"])
	png, err := base64.StdEncoding.DecodeString(resp.Data["qr_png"].(string))
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(png[:4]))

	resp, err = doRequest(t, b, s, logical.ReadOperation, "address/qr", map[string]interface{}{
		"format": "ascii",
		"amount": 50000,
	})
	require.NoError(t, err)
	assert.Equal(t, "bitcoin:"+testAddress+"?amount=0.0005", resp.Data["uri"])
	assert.NotEmpty(t, resp.Data["qr"])

	for _, data := range []map[string]interface{}{
		{"size": 32},
		{"format": "svg"},
		{"amount": -1},
	} {
		resp, err = doRequest(t, b, s, logical.ReadOperation, "address/qr", data)
		require.NoError(t, err)
		assert.True(t, resp.IsError(), "expected error for %v", data)
	}
}

func TestPaymentURI(t *testing.T) {
	assert.Equal(t, "bitcoin:"+testAddress, paymentURI(testAddress, 0))
	assert.Equal(t, "bitcoin:"+testAddress+"?amount=1", paymentURI(testAddress, 100000000))
	assert.Equal(t, "bitcoin:"+testAddress+"?amount=0.00000001", paymentURI(testAddress, 1))
}

func TestBlockCache_Expiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := NewBlockCache()
	c.now = func() time.Time { return now }

	c.Set("mainnet", 1, []string{"a"})
	c.Set("mainnet", 2, nil)

	ids, ok := c.Get("mainnet", 1)
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, ids)

	_, ok = c.Get("testnet", 1)
	assert.False(t, ok)
	_, ok = c.Get("mainnet", 2)
	assert.False(t, ok)

	now = now.Add(MaxCacheAge + time.Second)
	_, ok = c.Get("mainnet", 1)
	assert.False(t, ok)

	c.Clear()
	assert.Zero(t, c.Len())
}

func TestElectrumURL(t *testing.T) {
	c := &btcConfig{ElectrumURL: "tcp://localhost:50001"}
	assert.Equal(t, "tcp://localhost:50001", c.electrumURL())

	c = &btcConfig{ElectrumURL: "pool"}
	assert.Contains(t, MainnetElectrumServers, c.electrumURL())

	c = &btcConfig{ElectrumURL: "POOL", UseTestnet: true}
	assert.Contains(t, TestnetElectrumServers, c.electrumURL())
}

func TestErrorResponse(t *testing.T) {
	resp, err := errorResponse(anchor.ErrInvalidArgument)
	require.NoError(t, err)
	assert.True(t, resp.IsError())

	resp, err = errorResponse(errLedgerOut)
	assert.Nil(t, resp)
	assert.Same(t, errLedgerOut, err)
}
