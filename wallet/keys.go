package wallet

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	// NetworkMainnet is the Bitcoin main network
	NetworkMainnet = "mainnet"

	// NetworkTestnet is the Bitcoin test network (testnet3 address format)
	NetworkTestnet = "testnet"
)

// NetworkParams returns the chain configuration for the given network name
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case NetworkMainnet:
		return &chaincfg.MainNetParams, nil
	case NetworkTestnet:
		return &chaincfg.TestNet3Params, nil
	default:
		return nil, fmt.Errorf("unknown network: %s (supported: mainnet, testnet)", network)
	}
}

// NetworkName maps the testnet flag onto a network name
func NetworkName(useTestnet bool) string {
	if useTestnet {
		return NetworkTestnet
	}
	return NetworkMainnet
}

// SigningIdentity is the single key the anchor signs with and the P2PKH
// address derived from it. It is never mutated after construction.
type SigningIdentity struct {
	PrivateKey *btcec.PrivateKey
	Address    *btcutil.AddressPubKeyHash
	Network    string
	Compressed bool

	pkScript []byte
}

// NewSigningIdentity decodes a WIF private key and derives its address on
// the given network. The WIF must belong to that network.
func NewSigningIdentity(wifStr string, network string) (*SigningIdentity, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return nil, err
	}

	wif, err := btcutil.DecodeWIF(strings.TrimSpace(wifStr))
	if err != nil {
		return nil, fmt.Errorf("invalid WIF private key: %w", err)
	}

	if !wif.IsForNet(params) {
		return nil, fmt.Errorf("WIF private key is not for %s network", network)
	}

	pubKeyHash := btcutil.Hash160(wif.SerializePubKey())
	addr, err := btcutil.NewAddressPubKeyHash(pubKeyHash, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2PKH address: %w", err)
	}

	pkScript, err := GetScriptPubKey(addr.EncodeAddress(), network)
	if err != nil {
		return nil, err
	}

	return &SigningIdentity{
		PrivateKey: wif.PrivKey,
		Address:    addr,
		Network:    network,
		Compressed: wif.CompressPubKey,
		pkScript:   pkScript,
	}, nil
}

// EncodeAddress returns the base58 address string
func (s *SigningIdentity) EncodeAddress() string {
	return s.Address.EncodeAddress()
}

// PkScript returns the scriptPubKey that pays to the identity's address
func (s *SigningIdentity) PkScript() []byte {
	out := make([]byte, len(s.pkScript))
	copy(out, s.pkScript)
	return out
}
