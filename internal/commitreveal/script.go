package commitreveal

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"

	"github.com/Klingon-tech/klingnet-wallet/pkg/crypto"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// Script is the redeem script a commit pays to, together with the
// pay-to-script-hash address derived from it.
type Script struct {
	Protocol string
	Payload  string
	PubKey   []byte
	Bytes    []byte
	Address  types.Address
}

// BuildScript derives the envelope script of an operation:
//
//	<pubkey> OP_CHECKSIG OP_FALSE OP_IF <protocol> OP_0 <payload> OP_ENDIF
//
// The same inputs always yield the same script and address.
func BuildScript(protocol, payload string, pubKey []byte) (*Script, error) {
	if protocol == "" || payload == "" {
		return nil, fmt.Errorf("%w: empty protocol or payload", ErrInvalidData)
	}
	if err := crypto.ParsePublicKey(pubKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	raw, err := txscript.NewScriptBuilder().
		AddData(pubKey).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_FALSE).
		AddOp(txscript.OP_IF).
		AddData([]byte(protocol)).
		AddInt64(0).
		AddData([]byte(payload)).
		AddOp(txscript.OP_ENDIF).
		Script()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return &Script{
		Protocol: protocol,
		Payload:  payload,
		PubKey:   append([]byte(nil), pubKey...),
		Bytes:    raw,
		Address:  crypto.ScriptHashAddress(raw),
	}, nil
}

// PayTo returns the locking script of the commit output.
func (s *Script) PayTo() types.Script {
	return types.PayToAddress(s.Address)
}

// ParseScript recovers the operation from an envelope script.
func ParseScript(raw []byte) (*Script, error) {
	pushes, err := txscript.PushedData(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	// OP_FALSE and OP_0 show up as empty pushes.
	if len(pushes) != 5 || len(pushes[0]) != crypto.PublicKeySize || len(pushes[1]) != 0 || len(pushes[3]) != 0 {
		return nil, fmt.Errorf("%w: not an envelope script", ErrInvalidData)
	}
	s, err := BuildScript(string(pushes[2]), string(pushes[4]), pushes[0])
	if err != nil {
		return nil, err
	}
	if string(s.Bytes) != string(raw) {
		return nil, fmt.Errorf("%w: non-canonical envelope", ErrInvalidData)
	}
	return s, nil
}
