package btc

import (
	"context"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"
)

func pathSplit(b *btcBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "split",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
			},
			Fields: map[string]*framework.FieldSchema{
				"max_outputs": {
					Type:        framework.TypeInt,
					Description: "Maximum number of equal outputs to create, at most 2500",
					Required:    true,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathSplit,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationVerb: "split",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathSplit,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationVerb: "split",
					},
				},
			},
			ExistenceCheck:  alwaysCreate,
			HelpSynopsis:    pathSplitHelpSynopsis,
			HelpDescription: pathSplitHelpDescription,
		},
	}
}

func (b *btcBackend) pathSplit(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	raw, ok := data.GetOk("max_outputs")
	if !ok {
		return logical.ErrorResponse("max_outputs is required"), nil
	}
	maxOutputs := raw.(int)

	a, err := b.getAnchor(ctx, req.Storage)
	if err != nil {
		return errorResponse(err)
	}

	txid, err := a.SplitOutputs(ctx, maxOutputs)
	if err != nil {
		b.Logger().Warn("split failed", "max_outputs", maxOutputs, "error", err)
		return errorResponse(err)
	}

	return &logical.Response{
		Data: map[string]interface{}{
			"transaction_id": txid,
			"address":        a.Address(),
		},
	}, nil
}

const pathSplitHelpSynopsis = `
Split the signing address's funds into equal outputs.
`

const pathSplitHelpDescription = `
This endpoint spends every unspent output of the signing address into up
to max_outputs equal outputs paying back to the same address, so that
later embeds can run without waiting for change to confirm.

Each output is floor((total - fee) / max_outputs) satoshis. When that is
below the minimum split value, fewer outputs are created. max_outputs may
not exceed 2500, which keeps the transaction within standard size.

Example:
  $ vault write btc/split max_outputs=5

Requires private_key_wif in btc/config.
`
