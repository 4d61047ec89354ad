package anchor

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/djschnei21/vault-plugin-btc-anchor/wallet"
)

var (
	// ErrConfiguration is returned when the anchor is not set up for the
	// requested operation: no signing key, no usable provider, or a missing
	// provider credential.
	ErrConfiguration = errors.New("anchor: configuration error")

	// ErrInvalidArgument is returned for malformed caller input, before any
	// provider is contacted.
	ErrInvalidArgument = errors.New("anchor: invalid argument")

	// ErrInsufficientFunds is returned when the signing address cannot pay
	// for the requested transaction.
	ErrInsufficientFunds = wallet.ErrInsufficientFunds
)

// AllProvidersFailedError is returned when every provider in the failover
// list failed. Errors holds one entry per provider, in the order tried.
type AllProvidersFailedError struct {
	Op     string
	Errors []error
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("anchor: %s: all providers failed: %s", e.Op, multierror.ListFormatFunc(e.Errors))
}

// Unwrap exposes the per-provider errors to errors.Is and errors.As
func (e *AllProvidersFailedError) Unwrap() []error {
	return e.Errors
}
