// Package cryptoutil provides the hashing, HMAC, and signing primitives
// shared by the deduplication fingerprint (§4.1 step 4) and the audit
// chain (§4.6): content hashing, canonical serialization, and Ed25519
// signing of hash-chained events.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// SHA256Hex returns the lowercase hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HMACSHA256Hex returns the lowercase hex-encoded HMAC-SHA256 of data
// keyed by secret.
func HMACSHA256Hex(secret, data []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// CanonicalJSON serializes v with map keys sorted, so two semantically
// equal structures always produce identical bytes — required for the
// dedupe fingerprint's canonical(context) step and for audit event
// hashing.
func CanonicalJSON(v interface{}) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

func normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return sortKeys(generic), nil
}

func sortKeys(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, orderedEntry{key: k, value: sortKeys(val[k])})
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sortKeys(item)
		}
		return out
	default:
		return val
	}
}

// orderedMap marshals as a JSON object preserving insertion order, which
// json.Marshal's map[string]interface{} path does not guarantee to match
// across Go versions relying on map iteration order.
type orderedEntry struct {
	key   string
	value interface{}
}

type orderedMap []orderedEntry

func (o orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, entry := range o {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(entry.key)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(entry.value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// GenerateSigningKey returns a fresh Ed25519 key pair for the audit chain.
func GenerateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}

// Sign signs data with an Ed25519 private key.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// Verify reports whether sig is a valid Ed25519 signature of data under pub.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	return ed25519.Verify(pub, data, sig)
}

// ErrInvalidKeySize is returned by ParsePrivateKeyHex/ParsePublicKeyHex
// when the decoded key is not the expected Ed25519 size.
var ErrInvalidKeySize = fmt.Errorf("cryptoutil: invalid ed25519 key size")

func ParsePrivateKeyHex(s string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKeySize
	}
	return ed25519.PrivateKey(raw), nil
}

func ParsePublicKeyHex(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidKeySize
	}
	return ed25519.PublicKey(raw), nil
}
