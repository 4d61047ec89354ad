package btc

import (
	"context"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"
)

func pathEmbed(b *btcBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "embed",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
			},
			Fields: map[string]*framework.FieldSchema{
				"data": {
					Type:        framework.TypeString,
					Description: "Hex-encoded payload to anchor, at most 80 bytes",
					Required:    true,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathEmbed,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationVerb: "embed",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathEmbed,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationVerb: "embed",
					},
				},
			},
			ExistenceCheck:  alwaysCreate,
			HelpSynopsis:    pathEmbedHelpSynopsis,
			HelpDescription: pathEmbedHelpDescription,
		},
	}
}

// alwaysCreate treats every write to an action path as a create
func alwaysCreate(ctx context.Context, req *logical.Request, data *framework.FieldData) (bool, error) {
	return false, nil
}

func (b *btcBackend) pathEmbed(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	// An explicit empty value anchors an empty OP_RETURN
	raw, ok := data.GetOk("data")
	if !ok {
		return logical.ErrorResponse("data is required"), nil
	}
	payload := raw.(string)

	a, err := b.getAnchor(ctx, req.Storage)
	if err != nil {
		return errorResponse(err)
	}

	result, err := a.Embed(ctx, payload)
	if err != nil {
		b.Logger().Warn("embed failed", "error", err)
		return errorResponse(err)
	}

	return &logical.Response{
		Data: map[string]interface{}{
			"transaction_id": result.TxID,
			"raw_tx":         result.RawTx,
			"address":        a.Address(),
			"network":        a.Config().Network,
			"fee_satoshi":    a.Config().FeeSatoshi,
		},
	}, nil
}

const pathEmbedHelpSynopsis = `
Anchor data in a new Bitcoin transaction.
`

const pathEmbedHelpDescription = `
This endpoint builds, signs and broadcasts a transaction that spends the
largest unspent output of the signing address. The transaction carries
the payload in a zero-value OP_RETURN output and returns the change, less
the configured fee, to the signing address.

Parameters:
  - data: hex-encoded payload, at most 80 bytes (required, may be empty)

Example:
  $ vault write btc/embed data=48656c6c6f

Response:
  - transaction_id: id reported by the provider that broadcast it
  - raw_tx: the signed transaction in hex

Requires private_key_wif in btc/config. With failover the unspent outputs
are re-read and the transaction rebuilt for every provider tried.
`
