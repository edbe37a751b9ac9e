package tx

import "github.com/Klingon-tech/klingnet-wallet/pkg/types"

// Mass and fee parameters.
const (
	// MassPerTxByte is charged for every serialized byte.
	MassPerTxByte = 1
	// MassPerSigOp is charged once per input signature check.
	MassPerSigOp = 1000
	// MinimumFeeRate is the relay floor in base units per gram of mass.
	MinimumFeeRate = 1
	// DustThreshold is the smallest value a payment's first output or a
	// change output may carry.
	DustThreshold = 1000
)

const (
	signatureSize        = 64
	compressedPubKeySize = 33
	inputLengthPrefixes  = 3 * 4
)

// Mass returns the mass of a (signed) transaction.
func Mass(transaction *Transaction) uint64 {
	return uint64(transaction.SerializedSize())*MassPerTxByte +
		uint64(len(transaction.Inputs))*MassPerSigOp
}

// EstimateMass returns the mass the transaction will have once every input
// carries a signature. Inputs listed in redeemScripts are script-locked and
// will carry the script instead of a public key. For unsigned transactions
// the estimate equals Mass of the signed result exactly.
func EstimateMass(transaction *Transaction, redeemScripts map[types.Outpoint][]byte) uint64 {
	size := len(transaction.SigningBytes())
	for _, in := range transaction.Inputs {
		size += inputLengthPrefixes + signatureSize
		if rs, ok := redeemScripts[in.PrevOut]; ok {
			size += len(rs)
		} else {
			size += compressedPubKeySize
		}
	}
	return uint64(size)*MassPerTxByte + uint64(len(transaction.Inputs))*MassPerSigOp
}

// CalculateFee returns the network fee for a given mass. A zero rate
// means MinimumFeeRate.
func CalculateFee(mass, feeRate uint64) uint64 {
	if feeRate == 0 {
		feeRate = MinimumFeeRate
	}
	return mass * feeRate
}
