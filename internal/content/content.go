package content

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Algorithm identifies the signature scheme applied to provenance records.
const Algorithm = "hmac-sha256"

// volatileFields are stripped before hashing so that semantically identical
// entities collapse to one hash regardless of injected identifiers/timestamps.
var volatileFields = map[string]struct{}{
	"id":         {},
	"createdAt":  {},
	"updatedAt":  {},
	"created_at": {},
	"updated_at": {},
}

// Normalize recursively strips volatile fields from a decoded JSON document.
// Maps and slices are copied; scalar values pass through unchanged.
func Normalize(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, nested := range v {
			if _, volatile := volatileFields[k]; volatile {
				continue
			}
			out[k] = Normalize(nested)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, nested := range v {
			out[i] = Normalize(nested)
		}
		return out
	default:
		return value
	}
}

type hashEnvelope struct {
	Kind string      `json:"kind"`
	Data interface{} `json:"data"`
}

// EntityHash returns the content address of an extracted entity: SHA-256 over
// the canonical JSON of {kind, normalizedData}. encoding/json emits map keys
// in sorted order, which makes the encoding canonical for decoded documents.
func EntityHash(kind string, data map[string]interface{}) (string, error) {
	normalized := Normalize(data)
	raw, err := json.Marshal(hashEnvelope{Kind: kind, Data: normalized})
	if err != nil {
		return "", fmt.Errorf("marshal entity for hashing: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// PropertyHash digests an exact property snapshot for version deduplication.
// Unlike EntityHash it does not strip volatile fields: two snapshots are the
// same version only when every persisted property matches.
func PropertyHash(properties map[string]interface{}) (string, error) {
	raw, err := json.Marshal(properties)
	if err != nil {
		return "", fmt.Errorf("marshal properties for hashing: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Signer produces and verifies HMAC-SHA256 signatures with a server-held key.
type Signer struct {
	secret []byte
}

// NewSigner builds a Signer from the configured secret.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("signing secret required")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign returns the hex-encoded HMAC-SHA256 of the body.
func (s *Signer) Sign(body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time.
func (s *Signer) Verify(body []byte, signature string) bool {
	expected := s.Sign(body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
