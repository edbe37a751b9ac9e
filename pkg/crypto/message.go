package crypto

import (
	"encoding/hex"
	"fmt"
)

// messagePrefix domain-separates signed messages from transaction hashes.
const messagePrefix = "Klingnet Signed Message:\n"

// MessageHash returns the hash signed by SignMessage.
func MessageHash(message string) []byte {
	h := Hash([]byte(messagePrefix + message))
	return h[:]
}

// SignMessage signs an arbitrary text message and returns the hex-encoded
// signature.
func SignMessage(signer Signer, message string) (string, error) {
	if message == "" {
		return "", fmt.Errorf("empty message")
	}
	sig, err := signer.Sign(MessageHash(message))
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// VerifyMessage checks a hex signature produced by SignMessage against a
// hex-encoded compressed public key.
func VerifyMessage(message, signatureHex, publicKeyHex string) bool {
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false
	}
	return VerifySignature(MessageHash(message), sig, pub)
}
