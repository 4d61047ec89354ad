package wallet

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ErrInsufficientFunds is returned when no unspent output (or combination of
// them) can pay for the requested transaction
var ErrInsufficientFunds = errors.New("insufficient funds")

// UTXO represents an unspent transaction output for transaction building
type UTXO struct {
	TxID  string
	Vout  uint32
	Value int64
}

// TransactionResult contains the result of building a transaction
type TransactionResult struct {
	TxID         string
	Hex          string
	Fee          int64
	TotalInput   int64
	TotalOutput  int64
	ChangeAmount int64
	NumInputs    int
	NumOutputs   int
	Size         int
}

const (
	// DefaultFeeSatoshi is the flat fee used when none is configured
	DefaultFeeSatoshi = 10000

	// MinSplitOutputValue is the smallest amount a split output may carry
	MinSplitOutputValue = 10000

	// MaxSplitOutputs keeps a split transaction well inside the 100kB
	// standardness limit at 34 bytes per P2PKH output
	MaxSplitOutputs = 2500

	// SequenceFinal is the final sequence number
	SequenceFinal = 0xFFFFFFFF

	// txVersion matches what legacy anchoring clients produced
	txVersion = 1
)

// SelectLargest returns the single unspent output with the greatest value
func SelectLargest(utxos []UTXO) (UTXO, error) {
	if len(utxos) == 0 {
		return UTXO{}, fmt.Errorf("%w: no unspent outputs available, balance likely 0", ErrInsufficientFunds)
	}

	sorted := make([]UTXO, len(utxos))
	copy(sorted, utxos)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Value > sorted[j].Value
	})

	return sorted[0], nil
}

// PlanSplit works out how many equal outputs the funds can be split into.
// The count is the largest value up to maxOutputs for which
// floor((total-fee)/count) reaches MinSplitOutputValue.
func PlanSplit(total, fee int64, maxOutputs int) (int, int64, error) {
	if maxOutputs < 1 || maxOutputs > MaxSplitOutputs {
		return 0, 0, fmt.Errorf("max outputs must be between 1 and %d, got %d", MaxSplitOutputs, maxOutputs)
	}

	working := total - fee
	count := int64(maxOutputs)
	if limit := floorDiv(working, MinSplitOutputValue); limit < count {
		count = limit
	}
	if count < 1 {
		return 0, 0, fmt.Errorf("%w: not enough funds to complete transaction (have %d, fee %d)", ErrInsufficientFunds, total, fee)
	}

	return int(count), floorDiv(working, count), nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// BuildEmbedTransaction spends a single UTXO into a zero-value OP_RETURN
// output carrying payload plus a change output of value-fee back to the
// signing address
func BuildEmbedTransaction(identity *SigningIdentity, utxo UTXO, payload []byte, fee int64) (*TransactionResult, error) {
	if identity == nil {
		return nil, fmt.Errorf("no signing identity")
	}
	if fee < 0 {
		return nil, fmt.Errorf("fee must be non-negative, got %d", fee)
	}
	if utxo.Value < fee {
		return nil, fmt.Errorf("%w: no outputs with sufficient funds available (largest %d, fee %d)", ErrInsufficientFunds, utxo.Value, fee)
	}

	dataScript, err := NullDataScript(payload)
	if err != nil {
		return nil, err
	}

	changeAmount := utxo.Value - fee

	tx := wire.NewMsgTx(txVersion)
	if err := addInputs(tx, []UTXO{utxo}); err != nil {
		return nil, err
	}
	tx.AddTxOut(wire.NewTxOut(0, dataScript))
	tx.AddTxOut(wire.NewTxOut(changeAmount, identity.PkScript()))

	return finalize(identity, tx, []UTXO{utxo}, fee, changeAmount)
}

// BuildSplitTransaction spends every UTXO into up to maxOutputs equal
// outputs paying back to the signing address
func BuildSplitTransaction(identity *SigningIdentity, utxos []UTXO, fee int64, maxOutputs int) (*TransactionResult, error) {
	if identity == nil {
		return nil, fmt.Errorf("no signing identity")
	}
	if fee < 0 {
		return nil, fmt.Errorf("fee must be non-negative, got %d", fee)
	}
	if len(utxos) == 0 {
		return nil, fmt.Errorf("%w: no unspent outputs available, balance likely 0", ErrInsufficientFunds)
	}

	var totalInput int64
	for _, utxo := range utxos {
		totalInput += utxo.Value
	}

	count, perOutput, err := PlanSplit(totalInput, fee, maxOutputs)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(txVersion)
	if err := addInputs(tx, utxos); err != nil {
		return nil, err
	}

	pkScript := identity.PkScript()
	for i := 0; i < count; i++ {
		tx.AddTxOut(wire.NewTxOut(perOutput, pkScript))
	}

	return finalize(identity, tx, utxos, fee, 0)
}

func addInputs(tx *wire.MsgTx, utxos []UTXO) error {
	for _, utxo := range utxos {
		txHash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return fmt.Errorf("invalid txid %s: %w", utxo.TxID, err)
		}

		outpoint := wire.NewOutPoint(txHash, utxo.Vout)
		txIn := wire.NewTxIn(outpoint, nil, nil)
		txIn.Sequence = SequenceFinal
		tx.AddTxIn(txIn)
	}
	return nil
}

// finalize checks the value invariant, signs every input and serializes.
// Nothing is signed if outputs plus fee exceed inputs.
func finalize(identity *SigningIdentity, tx *wire.MsgTx, utxos []UTXO, fee, changeAmount int64) (*TransactionResult, error) {
	var totalInput, totalOutput int64
	for _, utxo := range utxos {
		totalInput += utxo.Value
	}
	for _, out := range tx.TxOut {
		if out.Value < 0 {
			return nil, fmt.Errorf("%w: negative output value %d", ErrInsufficientFunds, out.Value)
		}
		totalOutput += out.Value
	}
	if totalOutput+fee > totalInput {
		return nil, fmt.Errorf("%w: outputs %d + fee %d exceed inputs %d", ErrInsufficientFunds, totalOutput, fee, totalInput)
	}

	pkScript := identity.PkScript()
	for i := range tx.TxIn {
		sigScript, err := txscript.SignatureScript(
			tx,
			i,
			pkScript,
			txscript.SigHashAll,
			identity.PrivateKey,
			identity.Compressed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}

	return &TransactionResult{
		TxID:         tx.TxHash().String(),
		Hex:          hex.EncodeToString(buf.Bytes()),
		Fee:          totalInput - totalOutput,
		TotalInput:   totalInput,
		TotalOutput:  totalOutput,
		ChangeAmount: changeAmount,
		NumInputs:    len(tx.TxIn),
		NumOutputs:   len(tx.TxOut),
		Size:         buf.Len(),
	}, nil
}

// DecodeTransaction parses a hex-encoded raw transaction
func DecodeTransaction(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hex: %w", err)
	}

	tx := wire.NewMsgTx(txVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize transaction: %w", err)
	}
	return tx, nil
}
