package licensing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Hasher derives storage-safe device hashes from client-supplied
// fingerprints. Salting with a server-side secret keeps raw hardware
// identifiers out of the database and out of logs.
type Hasher struct {
	salt []byte
}

// NewHasher constructs a Hasher from the configured salt.
func NewHasher(salt string) (*Hasher, error) {
	salt = strings.TrimSpace(salt)
	if salt == "" {
		return nil, errors.New("fingerprint: salt must be configured")
	}
	return &Hasher{salt: []byte(salt)}, nil
}

// Hash returns the hex-encoded HMAC-SHA256 of the fingerprint.
func (h *Hasher) Hash(fingerprint string) string {
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(fingerprint))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashPrefix shortens a device hash for log output.
func HashPrefix(hash string) string {
	if len(hash) <= 8 {
		return hash
	}
	return hash[:8]
}
