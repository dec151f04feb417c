// Package signature verifies digital-signature approvals. An artifact is a
// 65-byte secp256k1 signature (r || s || v, hex encoded) over the EIP-191
// personal-message hash of the canonical approval statement. The signer's
// identity is the 20-byte Keccak address recovered from it.
package signature

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
)

const artifactLen = 65

// Statement is the canonical text an approver signs.
func Statement(requestID, contentHash string, stepOrder int, approver string) []byte {
	var b strings.Builder
	b.WriteString("doc-approvals: approve\n")
	b.WriteString("request: " + requestID + "\n")
	b.WriteString("document: " + strings.ToLower(contentHash) + "\n")
	b.WriteString("step: " + strconv.Itoa(stepOrder) + "\n")
	b.WriteString("approver: " + strings.ToLower(approver))
	return []byte(b.String())
}

// PersonalHash is the EIP-191 hash of msg.
func PersonalHash(msg []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("\x19Ethereum Signed Message:\n" + strconv.Itoa(len(msg))))
	h.Write(msg)
	return h.Sum(nil)
}

// Address derives the hex address of a public key.
func Address(pub *secp256k1.PublicKey) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub.SerializeUncompressed()[1:])
	return "0x" + hex.EncodeToString(h.Sum(nil)[12:])
}

// Recover returns the address that produced artifact over msg.
func Recover(msg []byte, artifact string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(artifact), "0x"))
	if err != nil {
		return "", fmt.Errorf("artifact is not hex: %w", err)
	}
	if len(raw) != artifactLen {
		return "", fmt.Errorf("artifact must be %d bytes, got %d", artifactLen, len(raw))
	}

	v := raw[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return "", fmt.Errorf("invalid recovery id %d", raw[64])
	}

	compact := make([]byte, artifactLen)
	compact[0] = 27 + v
	copy(compact[1:], raw[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, PersonalHash(msg))
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}
	return Address(pub), nil
}

// SameIdentity compares two addresses ignoring hex case.
func SameIdentity(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Verifier checks signature artifacts stored on approved steps.
type Verifier struct{}

// NewVerifier creates a Verifier.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// VerifyStep recomputes the signer of step's artifact and compares it with the
// step's approver. Any failure is SIGNATURE_MISMATCH.
func (v *Verifier) VerifyStep(snap *approval.Snapshot, step approval.Step) error {
	if strings.TrimSpace(step.Signature) == "" {
		return errors.Newf(errors.ErrCodeSignatureMismatch, "step %d has no signature artifact", step.StepOrder)
	}
	msg := Statement(snap.RequestID, snap.Document.ContentHash, step.StepOrder, step.Approver)
	signer, err := Recover(msg, step.Signature)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSignatureMismatch,
			fmt.Sprintf("step %d signature cannot be verified", step.StepOrder))
	}
	if !SameIdentity(signer, step.Approver) {
		return errors.Newf(errors.ErrCodeSignatureMismatch,
			"step %d was signed by %s, not %s", step.StepOrder, signer, step.Approver).
			WithDetail("recovered_signer", signer)
	}
	return nil
}
