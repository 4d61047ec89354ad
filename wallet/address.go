package wallet

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

// GetScriptPubKey returns the scriptPubKey paying to an address
func GetScriptPubKey(address string, network string) ([]byte, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return nil, err
	}

	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create scriptPubKey: %w", err)
	}

	return script, nil
}

// ValidateAddress checks if an address is valid for the given network
func ValidateAddress(address string, network string) error {
	params, err := NetworkParams(network)
	if err != nil {
		return err
	}

	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}

	if !addr.IsForNet(params) {
		return fmt.Errorf("address is not for %s network", network)
	}

	return nil
}

// NullDataScript builds an OP_RETURN script carrying payload
func NullDataScript(payload []byte) ([]byte, error) {
	script, err := txscript.NullDataScript(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create null-data script: %w", err)
	}
	return script, nil
}

// DecodePayloadHex decodes the caller's payload. An optional 0x prefix is
// accepted. An empty payload is valid and anchors a bare OP_RETURN OP_0.
func DecodePayloadHex(payloadHex string) ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimSpace(payloadHex), "0x")
	if s == "" {
		return []byte{}, nil
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("payload is not valid hex: %w", err)
	}
	if len(data) > txscript.MaxDataCarrierSize {
		return nil, fmt.Errorf("payload is %d bytes, maximum is %d", len(data), txscript.MaxDataCarrierSize)
	}
	return data, nil
}

// ExtractNullData returns the data pushed by an OP_RETURN script, or false
// if the script is not a null-data script
func ExtractNullData(script []byte) ([]byte, bool) {
	if txscript.GetScriptClass(script) != txscript.NullDataTy {
		return nil, false
	}

	pushes, err := txscript.PushedData(script)
	if err != nil {
		return nil, false
	}

	return bytes.Join(pushes, nil), true
}

// NullDataMatches reports whether script is an OP_RETURN carrying exactly the
// payload encoded by expectedHex
func NullDataMatches(script []byte, expectedHex string) bool {
	data, ok := ExtractNullData(script)
	if !ok {
		return false
	}
	expected, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(expectedHex), "0x"))
	if err != nil {
		return false
	}
	return bytes.Equal(data, expected)
}
