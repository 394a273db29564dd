// Package crypto signs and verifies publisher payloads with
// secp256k1/ECDSA, encrypts message content with AES-GCM, and derives
// addresses from private keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// GroupKeySize is the fixed length, in bytes, of a symmetric group key.
const GroupKeySize = 32

// personalPrefix is the Ethereum "personal_sign" prefix applied before
// hashing.
const personalPrefix = "\x19Ethereum Signed Message:\n"

// CanonicalPayload builds the exact byte concatenation that gets signed:
// streamId || timestamp-decimal || publisherAddress-lowercase || serialisedContent.
func CanonicalPayload(streamID string, timestampMs uint64, publisherAddress string, serializedContent []byte) []byte {
	var b strings.Builder
	b.WriteString(streamID)
	b.WriteString(strconv.FormatUint(timestampMs, 10))
	b.WriteString(strings.ToLower(publisherAddress))
	buf := make([]byte, 0, b.Len()+len(serializedContent))
	buf = append(buf, []byte(b.String())...)
	buf = append(buf, serializedContent...)
	return buf
}

// personalHash applies the Ethereum personal-sign prefix and Keccak256,
// matching what a compliant verifier on the other end of the wire expects.
func personalHash(payload []byte) []byte {
	prefixed := []byte(personalPrefix + strconv.Itoa(len(payload)))
	prefixed = append(prefixed, payload...)
	return ethcrypto.Keccak256(prefixed)
}

// Sign produces a hex-encoded ETH signature (r || s || v) over payload.
func Sign(payload []byte, privateKey *ecdsa.PrivateKey) (string, error) {
	hash := personalHash(payload)
	sig, err := ethcrypto.Sign(hash, privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto: sign payload: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// Verify reports whether sigHex is a valid ETH signature over payload
// produced by the holder of address (case-insensitive, 0x-prefixed or not).
func Verify(payload []byte, sigHex string, address string) (bool, error) {
	recovered, err := RecoverAddress(payload, sigHex)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(recovered, address), nil
}

// RecoverAddress recovers the signer address from a hex-encoded signature
// over payload.
func RecoverAddress(payload []byte, sigHex string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("crypto: decode signature: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("crypto: signature must be 65 bytes, got %d", len(sig))
	}

	hash := personalHash(payload)
	pubKey, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return "", fmt.Errorf("crypto: recover public key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pubKey).Hex(), nil
}

// AddressFromPrivateKey derives the 0x-prefixed, EIP-55 checksummed
// (mixed-case) hex address owning key.
func AddressFromPrivateKey(key *ecdsa.PrivateKey) string {
	return ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
}

// ParsePrivateKey decodes a hex-encoded secp256k1 private key (0x-prefixed
// or not).
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: parse private key: %w", err)
	}
	return key, nil
}

// GenerateGroupKey returns GroupKeySize fresh random bytes suitable as a
// symmetric group key.
func GenerateGroupKey() ([]byte, error) {
	key := make([]byte, GroupKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: generate group key: %w", err)
	}
	return key, nil
}

// GroupKeyID derives a stable identifier from a group key's raw bytes. The
// wire's newGroupKey field carries only the bytes of a rotated-in key, not an
// id, so a Publisher minting a key and a Subscriber extracting one from a
// StreamMessage must independently arrive at the same id; hashing the bytes
// gives both sides that without an extra wire field.
func GroupKeyID(keyBytes []byte) string {
	return hex.EncodeToString(ethcrypto.Keccak256(keyBytes)[:16])
}

// EncryptAESGCM encrypts plaintext with key, returning nonce||ciphertext||tag.
func EncryptAESGCM(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptAESGCM reverses EncryptAESGCM. A wrong key or corrupted ciphertext
// surfaces as an error; callers map this to errs.KindDecryption.
func DecryptAESGCM(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("crypto: ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt: %w", err)
	}
	return plaintext, nil
}
