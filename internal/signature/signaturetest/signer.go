// Package signaturetest produces signature artifacts for tests and local
// tooling. Production never signs.
package signaturetest

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
	"github.com/pesio-ai/be-doc-approvals/internal/signature"
)

// Signer holds a deterministic key derived from a seed.
type Signer struct {
	key     *secp256k1.PrivateKey
	Address string
}

// NewSigner derives a key from seed so tests get stable identities.
func NewSigner(seed string) *Signer {
	sum := sha256.Sum256([]byte(seed))
	key := secp256k1.PrivKeyFromBytes(sum[:])
	return &Signer{key: key, Address: signature.Address(key.PubKey())}
}

// Sign returns a hex r || s || v artifact over msg.
func (s *Signer) Sign(msg []byte) string {
	compact := ecdsa.SignCompact(s.key, signature.PersonalHash(msg), false)
	out := make([]byte, 65)
	copy(out, compact[1:])
	out[64] = compact[0]
	return "0x" + hex.EncodeToString(out)
}

// SignStep signs the canonical statement of step stepOrder on a request.
func (s *Signer) SignStep(requestID string, doc approval.DocumentRef, stepOrder int) string {
	return s.Sign(signature.Statement(requestID, doc.ContentHash, stepOrder, s.Address))
}
