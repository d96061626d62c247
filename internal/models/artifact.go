package models

import (
	"time"
)

// Artifact is one generated image for a template and business day.
// FilePath is relative to the static directory.
type Artifact struct {
	Template    string     `json:"template"`
	Date        string     `json:"date"`
	FilePath    string     `json:"file_path"`
	GeneratedAt time.Time  `json:"generated_at"`
	Digest      string     `json:"digest"`
	Detail      *DayDetail `json:"detail,omitempty"`
}

// Clone returns a copy safe to hand to other goroutines. Detail is shared.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// DayRecord is the per-day data file: every artifact generated for that day, by template
type DayRecord struct {
	Date      string               `json:"date"`
	Artifacts map[string]*Artifact `json:"artifacts"`
}

// LockRecord describes the current holder of a generation lease
type LockRecord struct {
	Template   string    `json:"template"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// PurgeStats reports what a cache purge removed
type PurgeStats struct {
	Removed    int   `json:"removed"`
	FreedBytes int64 `json:"freed_bytes"`
}

// SweepResult reports what a janitor sweep removed
type SweepResult struct {
	Cutoff         string `json:"cutoff"`
	Removed        int    `json:"removed"`         // Artifacts
	CacheRemoved   int    `json:"cache_removed"`   // Daily cache entries
	RunsRemoved    int    `json:"runs_removed"`    // Generation run records
	FreedBytes     int64  `json:"freed_bytes"`     // Artifacts and cache files
	OldestKept     string `json:"oldest_kept"`     // Oldest artifact day still on disk, empty when none
	ProtectedCount int    `json:"protected_count"` // Artifacts kept only because a latest pointer references them
}
