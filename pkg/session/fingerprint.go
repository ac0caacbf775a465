package session

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint derives a stable session identifier from the first two
// non-system messages of a conversation. Later messages never change the
// identifier, so reconnecting clients land on the same session.
func Fingerprint(messages []Message) string {
	h := sha256.New()
	seen := 0
	for _, m := range messages {
		if m.Role == RoleSystem {
			continue
		}
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
		seen++
		if seen == 2 {
			break
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
