package btc

import (
	"context"
	"sort"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"
)

func pathAddress(b *btcBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "address",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
			},
			Fields: map[string]*framework.FieldSchema{
				"min_value": {
					Type:        framework.TypeInt64,
					Description: "Only list UTXOs worth at least this many satoshis (default: 0, show all)",
					Default:     int64(0),
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathAddressRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "address",
					},
				},
			},
			HelpSynopsis:    pathAddressHelpSynopsis,
			HelpDescription: pathAddressHelpDescription,
		},
	}
}

// UTXODetail represents UTXO data returned to the user
type UTXODetail struct {
	TxID  string `json:"txid"`
	Vout  uint32 `json:"vout"`
	Value int64  `json:"value"`
}

func (b *btcBackend) pathAddressRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	minValue := data.Get("min_value").(int64)

	a, err := b.getAnchor(ctx, req.Storage)
	if err != nil {
		return errorResponse(err)
	}

	outputs, err := a.UnspentOutputs(ctx)
	if err != nil {
		return errorResponse(err)
	}

	var details []UTXODetail
	var totalValue int64
	for _, out := range outputs {
		if out.Amount < minValue {
			continue
		}
		details = append(details, UTXODetail{
			TxID:  out.TxID,
			Vout:  out.Vout,
			Value: out.Amount,
		})
		totalValue += out.Amount
	}

	// Largest first, the order embed picks from
	sort.SliceStable(details, func(i, j int) bool {
		return details[i].Value > details[j].Value
	})

	utxoList := make([]map[string]interface{}, len(details))
	for i, detail := range details {
		utxoList[i] = map[string]interface{}{
			"txid":  detail.TxID,
			"vout":  detail.Vout,
			"value": detail.Value,
		}
	}

	b.Logger().Debug("UTXOs read complete", "address", a.Address(), "count", len(details), "total_value", totalValue)

	return &logical.Response{
		Data: map[string]interface{}{
			"address":     a.Address(),
			"network":     a.Config().Network,
			"utxos":       utxoList,
			"utxo_count":  len(details),
			"total_value": totalValue,
		},
	}, nil
}

const pathAddressHelpSynopsis = `
Show the signing address and its unspent outputs.
`

const pathAddressHelpDescription = `
This endpoint returns the address derived from the configured key together
with its unspent outputs, as reported by the first provider that answers.

  - txid: Transaction ID containing the output
  - vout: Output index within the transaction
  - value: Amount in satoshis

UTXOs are sorted by value, largest first. Embed always spends the largest.

Example:
  $ vault read btc/address

Filter out dust:
  $ vault read btc/address min_value=10000

Response also includes:
  - utxo_count: Number of UTXOs listed
  - total_value: Sum of the listed UTXO values

Requires private_key_wif in btc/config.
`
