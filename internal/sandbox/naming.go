package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	maxSlugLen = 40
	hashLen    = 12
)

// Name derives the sandbox directory name for a task id.
//
// The name is a readable slug of the id followed by a hash of the full id, so
// ids that slugify identically ("a/b" and "a_b") still get distinct names.
// The result only contains [a-z0-9-].
func Name(taskID string) string {
	sum := sha256.Sum256([]byte(taskID))
	slug := slugify(taskID)
	if slug == "" {
		slug = "task"
	}
	return slug + "-" + hex.EncodeToString(sum[:])[:hashLen]
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
