package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Snapshot is an immutable capture of one resolved configuration. The
// hash covers the resolved values, not the file text, so reformatting
// the file without changing any value keeps the hash stable. New
// sessions record the snapshot in force at creation time.
type Snapshot struct {
	Settings   Config    `json:"settings"`
	Hash       string    `json:"hash"`
	CapturedAt time.Time `json:"captured_at"`
}

// NewSnapshot captures cfg at the given instant.
func NewSnapshot(cfg Config, at time.Time) Snapshot {
	return Snapshot{
		Settings:   cfg,
		Hash:       hashConfig(cfg),
		CapturedAt: at,
	}
}

func hashConfig(cfg Config) string {
	raw, err := json.Marshal(cfg)
	if err != nil {
		// Config is a closed tree of plain values; marshaling cannot
		// fail for any value constructed by Resolve.
		panic("config: unhashable configuration: " + err.Error())
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}
