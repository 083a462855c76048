package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// VirtualModule is workflow source addressed by logical path and version,
// served from the module cache rather than a real filesystem. Content is
// immutable for a given (path, version); publishing a change bumps the
// version instead of mutating in place.
type VirtualModule struct {
	LogicalPath string    `json:"logical_path"`
	Version     uint64    `json:"version"`
	Content     []byte    `json:"content"`
	Hash        string    `json:"hash"`
	PublishedAt time.Time `json:"published_at"`
}

// ContentHash returns the hex sha256 of the module source.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
