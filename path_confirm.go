package btc

import (
	"context"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"
)

func pathConfirm(b *btcBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "confirm",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
			},
			Fields: map[string]*framework.FieldSchema{
				"transaction_id": {
					Type:        framework.TypeString,
					Description: "Id of the anchoring transaction",
					Required:    true,
				},
				"expected_value": {
					Type:        framework.TypeString,
					Description: "Hex payload expected in the OP_RETURN output",
					Required:    true,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathConfirm,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationVerb: "confirm",
					},
				},
			},
			HelpSynopsis:    pathConfirmHelpSynopsis,
			HelpDescription: pathConfirmHelpDescription,
		},
		{
			Pattern: "confirm/eth",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
			},
			Fields: map[string]*framework.FieldSchema{
				"transaction_id": {
					Type:        framework.TypeString,
					Description: "Ethereum transaction hash",
					Required:    true,
				},
				"expected_value": {
					Type:        framework.TypeString,
					Description: "Hex data expected in the Ethereum transaction",
					Required:    true,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathConfirmEth,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationVerb:   "confirm",
						OperationSuffix: "eth",
					},
				},
			},
			HelpSynopsis:    pathConfirmEthHelpSynopsis,
			HelpDescription: pathConfirmEthHelpDescription,
		},
		{
			Pattern: "confirm/block-header",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
			},
			Fields: map[string]*framework.FieldSchema{
				"block_height": {
					Type:        framework.TypeInt64,
					Description: "Height of the block",
					Required:    true,
				},
				"expected_value": {
					Type:        framework.TypeString,
					Description: "Expected merkle root in hex",
					Required:    true,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathConfirmBlockHeader,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationVerb:   "confirm",
						OperationSuffix: "block-header",
					},
				},
			},
			HelpSynopsis:    pathConfirmBlockHeaderHelpSynopsis,
			HelpDescription: pathConfirmBlockHeaderHelpDescription,
		},
	}
}

// confirmArgs reads the fields shared by every confirm path
func confirmArgs(data *framework.FieldData, idField string) (string, string, *logical.Response) {
	id, _ := data.Get(idField).(string)
	expected := data.Get("expected_value").(string)
	if id == "" {
		return "", "", logical.ErrorResponse("%s is required", idField)
	}
	if expected == "" {
		return "", "", logical.ErrorResponse("expected_value is required")
	}
	return id, expected, nil
}

func confirmedResponse(confirmed bool) *logical.Response {
	return &logical.Response{
		Data: map[string]interface{}{
			"confirmed": confirmed,
		},
	}
}

func (b *btcBackend) pathConfirm(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	txID, expected, resp := confirmArgs(data, "transaction_id")
	if resp != nil {
		return resp, nil
	}

	a, err := b.getAnchor(ctx, req.Storage)
	if err != nil {
		return errorResponse(err)
	}

	confirmed, err := a.Confirm(ctx, txID, expected)
	if err != nil {
		return errorResponse(err)
	}
	b.Logger().Debug("confirm", "txid", txID, "confirmed", confirmed)
	return confirmedResponse(confirmed), nil
}

func (b *btcBackend) pathConfirmEth(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	txID, expected, resp := confirmArgs(data, "transaction_id")
	if resp != nil {
		return resp, nil
	}

	a, err := b.getAnchor(ctx, req.Storage)
	if err != nil {
		return errorResponse(err)
	}

	confirmed, err := a.ConfirmEth(ctx, txID, expected)
	if err != nil {
		return errorResponse(err)
	}
	return confirmedResponse(confirmed), nil
}

func (b *btcBackend) pathConfirmBlockHeader(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	rawHeight, ok := data.GetOk("block_height")
	if !ok {
		return logical.ErrorResponse("block_height is required"), nil
	}
	expected := data.Get("expected_value").(string)
	if expected == "" {
		return logical.ErrorResponse("expected_value is required"), nil
	}

	a, err := b.getAnchor(ctx, req.Storage)
	if err != nil {
		return errorResponse(err)
	}

	confirmed, err := a.ConfirmBTCBlockHeader(ctx, rawHeight.(int64), expected)
	if err != nil {
		return errorResponse(err)
	}
	return confirmedResponse(confirmed), nil
}

const pathConfirmHelpSynopsis = `
Verify data anchored in a Bitcoin transaction.
`

const pathConfirmHelpDescription = `
This endpoint reports whether the transaction has a null-data output whose
payload is exactly expected_value. Hex is compared case-insensitively and
an optional 0x prefix is ignored. An unknown transaction is not an error,
it is reported as confirmed=false.

Example:
  $ vault write btc/confirm \
      transaction_id=9f0c... \
      expected_value=48656c6c6f
`

const pathConfirmEthHelpSynopsis = `
Verify data in an Ethereum transaction.
`

const pathConfirmEthHelpDescription = `
This endpoint looks up an Ethereum transaction through BlockCypher and
reports whether its data matches expected_value. It requires
blockcypher_token in btc/config and does not fail over.

Example:
  $ vault write btc/confirm/eth \
      transaction_id=0x5a1f... \
      expected_value=48656c6c6f
`

const pathConfirmBlockHeaderHelpSynopsis = `
Verify the merkle root of a Bitcoin block.
`

const pathConfirmBlockHeaderHelpDescription = `
This endpoint reports whether the block at block_height has the merkle
root expected_value. An unknown height is reported as confirmed=false.

Example:
  $ vault write btc/confirm/block-header \
      block_height=100000 \
      expected_value=f3e94742aca4b5ef85488dc37c06c3282295ffec960994b2c0d5ac2a25a95766
`
