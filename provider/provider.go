// Package provider defines the capability set every ledger-data provider
// client exposes, and the transport and conversion helpers they share.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
)

// Provider is a third-party ledger-data service normalized to one shape.
// Each client is bound to a single network when it is constructed.
type Provider interface {
	// Name returns the registry name of the provider.
	Name() string

	// UnspentOutputs returns the outputs spendable by address.
	UnspentOutputs(ctx context.Context, address string) ([]UnspentOutput, error)

	// Broadcast submits a raw transaction and returns its id.
	Broadcast(ctx context.Context, rawTxHex string) (string, error)

	// ConfirmPayload reports whether the transaction carries a null-data
	// output holding exactly expectedPayloadHex. Unknown transactions
	// resolve to false.
	ConfirmPayload(ctx context.Context, txID, expectedPayloadHex string) (bool, error)

	// ConfirmBlockHeader reports whether the block at height has the given
	// merkle root. Unknown heights resolve to false.
	ConfirmBlockHeader(ctx context.Context, height int64, expectedMerkleRoot string) (bool, error)

	// ConfirmationCount returns the number of confirmations of a
	// transaction. Unknown transactions resolve to 0.
	ConfirmationCount(ctx context.Context, txID string) (int64, error)

	// BlockTransactionIDs lists the transaction ids in the block at height.
	// Unknown heights resolve to an empty list.
	BlockTransactionIDs(ctx context.Context, height int64) ([]string, error)
}

// EthConfirmer is implemented by the one provider able to look up data on
// the Ethereum chain.
type EthConfirmer interface {
	ConfirmEthData(ctx context.Context, txID, expectedValue string) (bool, error)
}

// UnspentOutput is a fund record controlled by an address. Amount is always
// in satoshis.
type UnspentOutput struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Amount int64  `json:"amount"`
}

var (
	// ErrUnsupported indicates the provider does not offer the capability.
	ErrUnsupported = errors.New("provider: operation not supported")

	// ErrNotFound indicates the requested transaction or block does not
	// exist. Clients translate it into a negative result, never return it.
	ErrNotFound = errors.New("provider: not found")

	// ErrInvalidResponse indicates the service returned a malformed or
	// unexpected response.
	ErrInvalidResponse = errors.New("provider: invalid response")

	// ErrRequestFailed indicates a transport failure or non-success status.
	ErrRequestFailed = errors.New("provider: request failed")
)

// Error is a failure of a single provider operation
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf wraps a formatted failure as an *Error
func Errorf(provider, op, format string, args ...interface{}) error {
	return &Error{Provider: provider, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap returns err as an *Error, or nil if err is nil
func Wrap(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return err
	}
	return &Error{Provider: provider, Op: op, Err: err}
}

// BTCToSatoshi converts a decimal BTC amount from a provider's JSON into
// satoshis, rounding to the nearest satoshi
func BTCToSatoshi(btc float64) (int64, error) {
	if math.IsNaN(btc) || math.IsInf(btc, 0) || btc < 0 {
		return 0, fmt.Errorf("%w: invalid amount %v", ErrInvalidResponse, btc)
	}
	amount, err := btcutil.NewAmount(btc)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return int64(amount), nil
}
