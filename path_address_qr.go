package btc

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"
	"github.com/skip2/go-qrcode"
)

func pathAddressQR(b *btcBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "address/qr",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "btc",
			},
			Fields: map[string]*framework.FieldSchema{
				"size": {
					Type:        framework.TypeInt,
					Description: "QR code size in pixels (default: 256)",
					Default:     256,
				},
				"format": {
					Type:        framework.TypeString,
					Description: "Output format: 'png' (base64) or 'ascii' (default: png)",
					Default:     "png",
				},
				"amount": {
					Type:        framework.TypeInt64,
					Description: "Requested amount in satoshis, added to the URI when set",
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathAddressQRRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "address-qr",
					},
				},
			},
			HelpSynopsis:    pathAddressQRHelpSynopsis,
			HelpDescription: pathAddressQRHelpDescription,
		},
	}
}

// paymentURI builds a BIP21 URI, with the amount in BTC when positive
func paymentURI(address string, amount int64) string {
	uri := "bitcoin:" + address
	if amount > 0 {
		uri += "?amount=" + strconv.FormatFloat(btcutil.Amount(amount).ToBTC(), 'f', -1, 64)
	}
	return uri
}

func (b *btcBackend) pathAddressQRRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	size := data.Get("size").(int)
	format := data.Get("format").(string)
	amount := data.Get("amount").(int64)

	b.Logger().Debug("QR code request", "format", format, "size", size)

	if size < 64 || size > 1024 {
		return logical.ErrorResponse("size must be between 64 and 1024"), nil
	}
	if format != "png" && format != "ascii" {
		return logical.ErrorResponse("format must be 'png' or 'ascii'"), nil
	}
	if amount < 0 {
		return logical.ErrorResponse("amount must be >= 0"), nil
	}

	a, err := b.getAnchor(ctx, req.Storage)
	if err != nil {
		return errorResponse(err)
	}

	address := a.Address()
	if address == "" {
		return logical.ErrorResponse("no private key configured - set one with: vault write btc/config private_key_wif=..."), nil
	}

	uri := paymentURI(address, amount)

	respData := map[string]interface{}{
		"address": address,
		"uri":     uri,
	}

	if format == "ascii" {
		qr, err := qrcode.New(uri, qrcode.Medium)
		if err != nil {
			return nil, fmt.Errorf("failed to generate QR code: %w", err)
		}
		respData["qr"] = qr.ToSmallString(false)
		respData["display_hint"] = "vault read -field=qr btc/address/qr format=ascii"
	} else {
		png, err := qrcode.Encode(uri, qrcode.Medium, size)
		if err != nil {
			return nil, fmt.Errorf("failed to generate QR code: %w", err)
		}
		respData["qr_png"] = base64.StdEncoding.EncodeToString(png)
	}

	return &logical.Response{Data: respData}, nil
}

const pathAddressQRHelpSynopsis = `
Get a QR code for funding the signing address.
`

const pathAddressQRHelpDescription = `
This endpoint returns a QR code for the signing address so it can be
funded from a mobile wallet. The QR code contains a BIP21 URI.

Example:
  $ vault read btc/address/qr
  $ vault read btc/address/qr size=512 amount=50000

For ASCII format, use -field to display correctly in terminal:
  $ vault read -field=qr btc/address/qr format=ascii

Parameters:
  - size: QR code size in pixels (default: 256, range: 64-1024)
  - format: 'png' for base64-encoded PNG, 'ascii' for terminal display
  - amount: requested amount in satoshis (optional)

Response:
  - address: The signing address
  - uri: BIP21 URI (bitcoin:address[?amount=btc])
  - qr_png: Base64-encoded PNG (if format=png)
  - qr: ASCII art QR code (if format=ascii)
`
