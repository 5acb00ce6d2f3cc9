package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainPayload separates payload digests from any other hash use.
const DomainPayload = "offsync/payload/v1"

// ShortDigestLen is the length of a digest as shown to users.
const ShortDigestLen = 12

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest returns a content hash of the mutation's action and payload.
// Two amendments with identical content share a digest, so pending list
// shows whether re-queuing an edit changed what will be sent.
func (m PendingMutation) Digest() (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"action":  string(m.Action),
		"payload": map[string]any(m.Payload),
	})
	if err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}

// ShortDigest is the first ShortDigestLen hex characters of Digest, or ""
// on error.
func (m PendingMutation) ShortDigest() string {
	d, err := m.Digest()
	if err != nil {
		return ""
	}
	return d[:ShortDigestLen]
}
