// Package flag mints, encrypts, and hashes per-instance flags. A minted
// flag exists in three forms: plaintext (shown to the player once, never
// persisted), AEAD ciphertext (stored on the instance row so an admin can
// decrypt and re-display it), and a SHA-256 hex digest (stored as the
// lookup key the anti-cheat validator uses, so the database never needs to
// decrypt a flag just to check whether a submission matches one).
package flag

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sasta-kro/corvus-ctf/models"
)

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Service mints and protects flags using a single AES-256-GCM key supplied
// at startup. The raw key never leaves this package; every other package
// works with either plaintext (transient, in memory only) or
// ciphertext/hash/fingerprint derivatives (persisted).
type Service struct {
	key  [32]byte
	aead cipher.AEAD
}

// NewService constructs a Service from a 32-byte AES-256 key. Pass a key
// derived from an operator-supplied secret (e.g. read from an environment
// variable and hashed down to 32 bytes), never a hardcoded value.
func NewService(key [32]byte) (*Service, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to construct AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to construct GCM AEAD: %w", err)
	}
	return &Service{key: key, aead: aead}, nil
}

// Mint generates a new plaintext flag for a random-policy challenge, in
// the form prefix + random alphanumeric body of the given length + suffix.
// The body is drawn from crypto/rand, never math/rand, since flag
// unguessability is a security property, not just a cosmetic one.
//
// When accountID is supplied, an 8-hex-character fingerprint derived from
// (accountID, challengeID) is folded into the suffix so that two players'
// flags for the same challenge remain distinguishable even in the
// vanishingly unlikely case their random bodies collide.
func (service *Service) Mint(prefix, suffix string, bodyLength int, accountID, challengeID string) (string, error) {
	body, err := randomAlphanumeric(bodyLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate random flag body: %w", err)
	}
	if accountID == "" {
		return prefix + body + suffix, nil
	}
	return prefix + body + "_" + service.fingerprint(accountID, challengeID) + suffix, nil
}

// fingerprint returns the first 8 hex characters of
// HMAC-SHA256(flag_encryption_key, "accountID:challengeID").
func (service *Service) fingerprint(accountID, challengeID string) string {
	mac := hmac.New(sha256.New, service.key[:])
	mac.Write([]byte(accountID + ":" + challengeID))
	return hex.EncodeToString(mac.Sum(nil))[:8]
}

// Encrypt seals plaintext into a hex-encoded nonce||ciphertext blob
// suitable for storage in the instance row's flag_encrypted column.
func (service *Service) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, service.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := service.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Returns an error if the ciphertext is
// malformed or the authentication tag does not verify, which would
// indicate the stored blob was corrupted or tampered with.
func (service *Service) Decrypt(encoded string) (string, error) {
	sealed, err := hex.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext hex: %w", err)
	}
	nonceSize := service.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", fmt.Errorf("ciphertext shorter than nonce size")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := service.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt flag ciphertext: %w", err)
	}
	return string(plaintext), nil
}

// Hash returns the SHA-256 hex digest of a plaintext flag. This is the
// value stored in flag_hash and looked up by the anti-cheat validator on
// every submission; plaintext is never compared or stored directly.
func (service *Service) Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// randomAlphanumeric returns a cryptographically random string of the
// given length drawn uniformly from alphabet.
func randomAlphanumeric(length int) (string, error) {
	var builder strings.Builder
	builder.Grow(length)
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		builder.WriteByte(alphabet[n.Int64()])
	}
	return builder.String(), nil
}

// RecordForInstance builds a FlagRecord row ready for insertion, given the
// hash of a freshly minted flag (see Hash) and the instance/challenge/account
// it belongs to.
func RecordForInstance(instanceUUID, challengeID, accountID, flagHash string) *models.FlagRecord {
	return &models.FlagRecord{
		InstanceUUID: instanceUUID,
		FlagHash:     flagHash,
		ChallengeID:  challengeID,
		AccountID:    accountID,
		Status:       models.FlagTemporary,
		CreatedAt:    time.Now(),
	}
}
