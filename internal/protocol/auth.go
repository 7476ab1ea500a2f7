package protocol

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultPBKDF2Iterations and DefaultPBKDF2KeyLength match the values
// advertised in AuthChallenge.
const (
	DefaultPBKDF2Iterations = 10000
	DefaultPBKDF2KeyLength  = 32
	SaltLength              = 16
)

// GenerateSalt returns SaltLength cryptographically random bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	_, err := rand.Read(salt)
	return salt, err
}

// DerivePasswordHash runs PBKDF2-SHA256 over password with salt,
// iterations and keyLength, returning the lowercase hex encoding used on
// the wire.
func DerivePasswordHash(password string, salt []byte, iterations, keyLength int) string {
	key := pbkdf2.Key([]byte(password), salt, iterations, keyLength, sha256.New)
	return hex.EncodeToString(key)
}

// NewSessionID derives a session identifier as the hex SHA-256 digest of
// clientID, nowUnixNano, and random bytes, matching the base
// specification's "SHA-256 of {client_id, now_ms, random}" construction.
func NewSessionID(clientID string, nowUnixNano int64, random []byte) string {
	h := sha256.New()
	h.Write([]byte(clientID))
	var tbuf [8]byte
	for i := 0; i < 8; i++ {
		tbuf[i] = byte(nowUnixNano >> (8 * i))
	}
	h.Write(tbuf[:])
	h.Write(random)
	return hex.EncodeToString(h.Sum(nil))
}
