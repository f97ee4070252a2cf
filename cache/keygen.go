package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// Key is the lowercase hex SHA-256 of the source text
type Key string

// Derive returns the cache key for text. The text is hashed as-is: no
// trimming or normalization, so differently spaced text yields a different key.
func Derive(text string) Key {
	sum := sha256.Sum256([]byte(text))
	return Key(hex.EncodeToString(sum[:]))
}

// String implements fmt.Stringer
func (k Key) String() string { return string(k) }

// AudioObject is the object name holding the audio bytes
func (k Key) AudioObject() string { return string(k) + ".mp3" }

// MetadataObject is the object name holding the JSON metadata
func (k Key) MetadataObject() string { return string(k) + ".json" }

// Valid reports whether k looks like a derived key
func (k Key) Valid() bool {
	if len(k) != sha256.Size*2 {
		return false
	}
	for _, c := range []byte(k) {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
