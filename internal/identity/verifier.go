// Package identity holds the signature verification contract for hotkeys.
//
// Hotkeys are base58-encoded ed25519 public keys. Signatures travel as hex.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Verifier checks that signature was produced over message by the key
// behind identity.
type Verifier interface {
	Verify(message []byte, signature string, identity string) bool
}

// VerifierFunc adapts a function to Verifier
type VerifierFunc func(message []byte, signature string, identity string) bool

func (f VerifierFunc) Verify(message []byte, signature string, identity string) bool {
	return f(message, signature, identity)
}

// RegisterMessage builds the exact bytes a hotkey signs to bind a GitHub
// username: register_github:{lowercase username}:{unix timestamp}
func RegisterMessage(username string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("register_github:%s:%d", strings.ToLower(username), timestamp))
}

// ClaimMessage builds the bytes a hotkey signs to claim issues:
// claim_bounty:{hotkey}:{issue refs joined by ","}:{unix timestamp}
func ClaimMessage(hotkey string, issues []string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("claim_bounty:%s:%s:%d", hotkey, strings.Join(issues, ","), timestamp))
}

// Ed25519 verifies ed25519 signatures against base58 hotkeys
type Ed25519 struct{}

func (Ed25519) Verify(message []byte, signature string, identity string) bool {
	pub, err := DecodeHotkey(identity)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// DecodeHotkey parses a base58 hotkey into an ed25519 public key
func DecodeHotkey(hotkey string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(hotkey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hotkey: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid hotkey length %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// EncodeHotkey renders a public key as a base58 hotkey
func EncodeHotkey(pub ed25519.PublicKey) string {
	return base58.Encode(pub)
}

// Sign is the client-side counterpart of Verify, used by tooling and tests
func Sign(priv ed25519.PrivateKey, message []byte) string {
	return hex.EncodeToString(ed25519.Sign(priv, message))
}
