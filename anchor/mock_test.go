package anchor

import (
	"context"

	"github.com/djschnei21/vault-plugin-btc-anchor/provider"
)

// MockProvider is a test double for provider.Provider. Unset functions
// report provider.ErrUnsupported.
type MockProvider struct {
	NameValue string

	UnspentOutputsFn      func(ctx context.Context, address string) ([]provider.UnspentOutput, error)
	BroadcastFn           func(ctx context.Context, rawTxHex string) (string, error)
	ConfirmPayloadFn      func(ctx context.Context, txID, expectedPayloadHex string) (bool, error)
	ConfirmBlockHeaderFn  func(ctx context.Context, height int64, expectedMerkleRoot string) (bool, error)
	ConfirmationCountFn   func(ctx context.Context, txID string) (int64, error)
	BlockTransactionIDsFn func(ctx context.Context, height int64) ([]string, error)

	// Calls counts invocations per method name
	Calls map[string]int
	// Log, when set, receives "<name>.<method>" for every call
	Log *[]string

	Closed bool
}

func (m *MockProvider) record(method string) {
	if m.Calls == nil {
		m.Calls = make(map[string]int)
	}
	m.Calls[method]++
	if m.Log != nil {
		*m.Log = append(*m.Log, m.NameValue+"."+method)
	}
}

func (m *MockProvider) unsupported(op string) error {
	return &provider.Error{Provider: m.NameValue, Op: op, Err: provider.ErrUnsupported}
}

// TotalCalls sums calls across every method
func (m *MockProvider) TotalCalls() int {
	total := 0
	for _, n := range m.Calls {
		total += n
	}
	return total
}

func (m *MockProvider) Name() string {
	return m.NameValue
}

func (m *MockProvider) UnspentOutputs(ctx context.Context, address string) ([]provider.UnspentOutput, error) {
	m.record("UnspentOutputs")
	if m.UnspentOutputsFn == nil {
		return nil, m.unsupported("unspent outputs")
	}
	return m.UnspentOutputsFn(ctx, address)
}

func (m *MockProvider) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	m.record("Broadcast")
	if m.BroadcastFn == nil {
		return "", m.unsupported("broadcast")
	}
	return m.BroadcastFn(ctx, rawTxHex)
}

func (m *MockProvider) ConfirmPayload(ctx context.Context, txID, expectedPayloadHex string) (bool, error) {
	m.record("ConfirmPayload")
	if m.ConfirmPayloadFn == nil {
		return false, m.unsupported("confirm payload")
	}
	return m.ConfirmPayloadFn(ctx, txID, expectedPayloadHex)
}

func (m *MockProvider) ConfirmBlockHeader(ctx context.Context, height int64, expectedMerkleRoot string) (bool, error) {
	m.record("ConfirmBlockHeader")
	if m.ConfirmBlockHeaderFn == nil {
		return false, m.unsupported("confirm block header")
	}
	return m.ConfirmBlockHeaderFn(ctx, height, expectedMerkleRoot)
}

func (m *MockProvider) ConfirmationCount(ctx context.Context, txID string) (int64, error) {
	m.record("ConfirmationCount")
	if m.ConfirmationCountFn == nil {
		return 0, m.unsupported("confirmation count")
	}
	return m.ConfirmationCountFn(ctx, txID)
}

func (m *MockProvider) BlockTransactionIDs(ctx context.Context, height int64) ([]string, error) {
	m.record("BlockTransactionIDs")
	if m.BlockTransactionIDsFn == nil {
		return nil, m.unsupported("block transaction ids")
	}
	return m.BlockTransactionIDsFn(ctx, height)
}

func (m *MockProvider) Close() {
	m.Closed = true
}

// MockEthProvider adds Ethereum confirmation to MockProvider
type MockEthProvider struct {
	*MockProvider
	ConfirmEthDataFn func(ctx context.Context, txID, expectedValue string) (bool, error)
}

func (m *MockEthProvider) ConfirmEthData(ctx context.Context, txID, expectedValue string) (bool, error) {
	m.record("ConfirmEthData")
	return m.ConfirmEthDataFn(ctx, txID, expectedValue)
}

var (
	_ provider.Provider     = (*MockProvider)(nil)
	_ provider.EthConfirmer = (*MockEthProvider)(nil)
)
