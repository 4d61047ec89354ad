package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// newTestWIF returns a freshly generated WIF for the given network
func newTestWIF(t *testing.T, network string, compressed bool) string {
	t.Helper()

	params, err := NetworkParams(network)
	if err != nil {
		t.Fatalf("NetworkParams() error = %v", err)
	}
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey() error = %v", err)
	}
	wif, err := btcutil.NewWIF(privKey, params, compressed)
	if err != nil {
		t.Fatalf("NewWIF() error = %v", err)
	}
	return wif.String()
}

func TestNetworkParams(t *testing.T) {
	tests := []struct {
		name    string
		network string
		wantErr bool
	}{
		{"mainnet", "mainnet", false},
		{"testnet", "testnet", false},
		{"signet unsupported", "signet", true},
		{"invalid", "invalid", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := NetworkParams(tt.network)
			if (err != nil) != tt.wantErr {
				t.Errorf("NetworkParams(%q) error = %v, wantErr %v", tt.network, err, tt.wantErr)
				return
			}
			if !tt.wantErr && params == nil {
				t.Errorf("NetworkParams(%q) returned nil params", tt.network)
			}
		})
	}
}

func TestNetworkName(t *testing.T) {
	if got := NetworkName(false); got != NetworkMainnet {
		t.Errorf("NetworkName(false) = %q, want %q", got, NetworkMainnet)
	}
	if got := NetworkName(true); got != NetworkTestnet {
		t.Errorf("NetworkName(true) = %q, want %q", got, NetworkTestnet)
	}
}

func TestNewSigningIdentityKnownKey(t *testing.T) {
	// Private key 1, compressed
	wif := "KwDiBf89QgGbjEhKnhXJuH7LrciVrZi3qYjgd9M7rFU73sVHnoWn"

	id, err := NewSigningIdentity(wif, NetworkMainnet)
	if err != nil {
		t.Fatalf("NewSigningIdentity() error = %v", err)
	}

	if got := id.EncodeAddress(); got != "1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH" {
		t.Errorf("EncodeAddress() = %s, want 1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH", got)
	}
	if !id.Compressed {
		t.Error("Compressed = false, want true")
	}
	if id.Network != NetworkMainnet {
		t.Errorf("Network = %s, want mainnet", id.Network)
	}
}

func TestNewSigningIdentity(t *testing.T) {
	tests := []struct {
		name       string
		wifNetwork string
		network    string
		compressed bool
		wantErr    bool
		wantPrefix []string
	}{
		{"mainnet compressed", NetworkMainnet, NetworkMainnet, true, false, []string{"1"}},
		{"mainnet uncompressed", NetworkMainnet, NetworkMainnet, false, false, []string{"1"}},
		{"testnet compressed", NetworkTestnet, NetworkTestnet, true, false, []string{"m", "n"}},
		{"mainnet key on testnet", NetworkMainnet, NetworkTestnet, true, true, nil},
		{"testnet key on mainnet", NetworkTestnet, NetworkMainnet, true, true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wif := newTestWIF(t, tt.wifNetwork, tt.compressed)

			id, err := NewSigningIdentity(wif, tt.network)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSigningIdentity() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			addr := id.EncodeAddress()
			matched := false
			for _, p := range tt.wantPrefix {
				if addr[:1] == p {
					matched = true
				}
			}
			if !matched {
				t.Errorf("address %s does not start with any of %v", addr, tt.wantPrefix)
			}
			if id.Compressed != tt.compressed {
				t.Errorf("Compressed = %v, want %v", id.Compressed, tt.compressed)
			}
			if err := ValidateAddress(addr, tt.network); err != nil {
				t.Errorf("derived address failed validation: %v", err)
			}
		})
	}
}

func TestNewSigningIdentityInvalid(t *testing.T) {
	tests := []struct {
		name    string
		wif     string
		network string
	}{
		{"garbage", "not-a-wif", NetworkMainnet},
		{"empty", "", NetworkMainnet},
		{"bad checksum", "KwDiBf89QgGbjEhKnhXJuH7LrciVrZi3qYjgd9M7rFU73sVHnoWo", NetworkMainnet},
		{"unknown network", "KwDiBf89QgGbjEhKnhXJuH7LrciVrZi3qYjgd9M7rFU73sVHnoWn", "signet"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSigningIdentity(tt.wif, tt.network); err == nil {
				t.Error("NewSigningIdentity() should fail")
			}
		})
	}
}

func TestPkScriptIsCopy(t *testing.T) {
	id, err := NewSigningIdentity(newTestWIF(t, NetworkMainnet, true), NetworkMainnet)
	if err != nil {
		t.Fatalf("NewSigningIdentity() error = %v", err)
	}

	script := id.PkScript()
	script[0] ^= 0xff

	if id.PkScript()[0] == script[0] {
		t.Error("PkScript() exposed internal state")
	}
}
