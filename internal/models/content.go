package models

import (
	"sort"
	"time"
)

// SourceStatus is the state of one source within a content bundle
type SourceStatus string

const (
	SourceFresh       SourceStatus = "ok"
	SourceStale       SourceStatus = "stale"
	SourceUnavailable SourceStatus = "unavailable"
)

// SourceResult is one entry of a ContentBundle
type SourceResult struct {
	Name     string       `json:"name"`
	Status   SourceStatus `json:"status"`
	Required bool         `json:"required"`
	Payload  interface{}  `json:"payload,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// Available reports whether the source contributed any payload, fresh or stale
func (r SourceResult) Available() bool {
	return r.Status != SourceUnavailable
}

// ContentBundle aggregates every source output for one generation pass.
// Built and discarded per pass.
type ContentBundle struct {
	Date        string                  `json:"date"`
	CollectedAt time.Time               `json:"collected_at"`
	Sources     map[string]SourceResult `json:"sources"`
	Detail      *DayDetail              `json:"detail,omitempty"` // Set by the generator before rendering
}

// NewContentBundle creates an empty bundle for a business day
func NewContentBundle(date string) *ContentBundle {
	return &ContentBundle{
		Date:    date,
		Sources: make(map[string]SourceResult),
	}
}

// Payloads returns source name to payload, omitting unavailable sources
func (b *ContentBundle) Payloads() map[string]interface{} {
	out := make(map[string]interface{}, len(b.Sources))
	for name, r := range b.Sources {
		if r.Available() {
			out[name] = r.Payload
		}
	}
	return out
}

// Statuses returns source name to status, for run history
func (b *ContentBundle) Statuses() map[string]SourceStatus {
	out := make(map[string]SourceStatus, len(b.Sources))
	for name, r := range b.Sources {
		out[name] = r.Status
	}
	return out
}

// MissingRequired returns the sorted names of required sources with no data
func (b *ContentBundle) MissingRequired() []string {
	var missing []string
	for name, r := range b.Sources {
		if r.Required && !r.Available() {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
