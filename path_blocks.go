package btc

import (
	"context"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"
)

func pathTransactions(b *btcBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "transactions/" + framework.GenericNameRegex("transaction_id") + "/confirmations",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
			},
			Fields: map[string]*framework.FieldSchema{
				"transaction_id": {
					Type:        framework.TypeString,
					Description: "Transaction id",
					Required:    true,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathTransactionConfirmationsRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "transaction-confirmations",
					},
				},
			},
			HelpSynopsis:    pathTransactionConfirmationsHelpSynopsis,
			HelpDescription: pathTransactionConfirmationsHelpDescription,
		},
	}
}

func pathBlocks(b *btcBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: `blocks/(?P<block_height>\d+)/txids`,
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
			},
			Fields: map[string]*framework.FieldSchema{
				"block_height": {
					Type:        framework.TypeInt64,
					Description: "Height of the block",
					Required:    true,
				},
				"refresh": {
					Type:        framework.TypeBool,
					Description: "Bypass the cache (default: false)",
					Default:     false,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathBlockTxIDsRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "block-txids",
					},
				},
			},
			HelpSynopsis:    pathBlockTxIDsHelpSynopsis,
			HelpDescription: pathBlockTxIDsHelpDescription,
		},
	}
}

func (b *btcBackend) pathTransactionConfirmationsRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	txID := data.Get("transaction_id").(string)

	a, err := b.getAnchor(ctx, req.Storage)
	if err != nil {
		return errorResponse(err)
	}

	count, err := a.GetConfirmationCount(ctx, txID)
	if err != nil {
		return errorResponse(err)
	}

	return &logical.Response{
		Data: map[string]interface{}{
			"transaction_id": txID,
			"confirmations":  count,
		},
	}, nil
}

func (b *btcBackend) pathBlockTxIDsRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	height := data.Get("block_height").(int64)
	refresh := data.Get("refresh").(bool)

	a, err := b.getAnchor(ctx, req.Storage)
	if err != nil {
		return errorResponse(err)
	}
	network := a.Config().Network

	txids, cached := b.blocks.Get(network, height)
	if cached && !refresh {
		b.Logger().Debug("cache hit", "height", height)
	} else {
		txids, err = a.GetBlockTransactionIDs(ctx, height)
		if err != nil {
			return errorResponse(err)
		}
		b.blocks.Set(network, height, txids)
		cached = false
	}

	if txids == nil {
		txids = []string{}
	}

	return &logical.Response{
		Data: map[string]interface{}{
			"block_height": height,
			"txids":        txids,
			"count":        len(txids),
			"cached":       cached,
		},
	}, nil
}

const pathTransactionConfirmationsHelpSynopsis = `
Get the number of confirmations of a transaction.
`

const pathTransactionConfirmationsHelpDescription = `
This endpoint returns how many blocks confirm the transaction. An unknown
transaction reports 0.

Example:
  $ vault read btc/transactions/9f0c.../confirmations
`

const pathBlockTxIDsHelpSynopsis = `
List the transaction ids in a block.
`

const pathBlockTxIDsHelpDescription = `
This endpoint lists the ids of every transaction in the block at the given
height. An unknown height returns an empty list. Non-empty results are
cached for a few minutes; pass refresh=true to bypass the cache.

The electrum provider cannot serve this call; failover moves on to the
next provider.

Example:
  $ vault read btc/blocks/100000/txids
`
