// Package security signs and verifies daemon requests with secp256k1 keys.
//
// A request body is signed with the Ethereum personal-message scheme; the address
// recovered from the signature is the caller identity of the ledger operation.
package security

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/emission-ledger/internal/types"
)

// SignatureHeader carries the hex signature over the raw request body
const SignatureHeader = "X-Signature"

// ErrBadSignature is returned for missing, malformed or non-matching signatures
var ErrBadSignature = fmt.Errorf("%w: bad signature", types.ErrUnauthorized)

// Signer holds a secp256k1 key
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner wraps key
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// GenerateSigner creates a signer with a fresh key
func GenerateSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewSigner(key), nil
}

// SignerFromHex loads a hex-encoded private key, with or without 0x
func SignerFromHex(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewSigner(key), nil
}

// Address returns the signer's account
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign returns the 0x-prefixed 65-byte signature over body
func (s *Signer) Sign(body []byte) (string, error) {
	sig, err := crypto.Sign(Digest(body).Bytes(), s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	return hexutil.Encode(sig), nil
}

// Digest is the Keccak256 hash of body under the personal-message prefix
func Digest(body []byte) common.Hash {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(body))
	return crypto.Keccak256Hash([]byte(prefix), body)
}

// Recover returns the account that produced sigHex over body. Both 0/1 and 27/28
// recovery ids are accepted; high-s signatures are rejected.
func Recover(body []byte, sigHex string) (common.Address, error) {
	if sigHex == "" {
		return common.Address{}, fmt.Errorf("%w: missing", ErrBadSignature)
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	digest := Digest(body)
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !crypto.VerifySignature(crypto.FromECDSAPub(pub), digest.Bytes(), sig[:crypto.RecoveryIDOffset]) {
		return common.Address{}, fmt.Errorf("%w: verification failed", ErrBadSignature)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignedPayload is a response body the daemon vouches for
type SignedPayload struct {
	Payload   json.RawMessage `json:"payload"`
	Keccak256 common.Hash     `json:"keccak256"`
	Signature string          `json:"signature"`
	Signer    common.Address  `json:"signer"`
	Timestamp int64           `json:"timestamp"`
}

// SignPayload marshals payload and signs it
func (s *Signer) SignPayload(payload interface{}) (SignedPayload, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SignedPayload{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	sig, err := s.Sign(raw)
	if err != nil {
		return SignedPayload{}, err
	}
	return SignedPayload{
		Payload:   raw,
		Keccak256: crypto.Keccak256Hash(raw),
		Signature: sig,
		Signer:    s.address,
		Timestamp: time.Now().Unix(),
	}, nil
}

// VerifyPayload checks that p was signed by its claimed signer and is not older than
// maxAge. A zero maxAge skips the age check.
func VerifyPayload(p SignedPayload, maxAge time.Duration) error {
	if crypto.Keccak256Hash(p.Payload) != p.Keccak256 {
		return errors.New("Keccak256 hash mismatch")
	}
	signer, err := Recover(p.Payload, p.Signature)
	if err != nil {
		return err
	}
	if signer != p.Signer {
		logrus.WithFields(logrus.Fields{
			"claimed":   p.Signer.Hex(),
			"recovered": signer.Hex(),
		}).Warn("Signed payload does not match its signer")
		return fmt.Errorf("%w: signed by %s, not %s", ErrBadSignature, signer.Hex(), p.Signer.Hex())
	}
	if maxAge > 0 {
		if age := time.Since(time.Unix(p.Timestamp, 0)); age > maxAge {
			return fmt.Errorf("%w: signature expired %s ago", ErrBadSignature, (age - maxAge).Round(time.Second))
		}
	}
	return nil
}
