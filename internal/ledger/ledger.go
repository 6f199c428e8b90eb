package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dshills/escarabajo/pkg/types"
)

// FormatVersion is the document version written by this package
const FormatVersion = 1

// Entry is the provenance record for one source
type Entry struct {
	Source          string       `json:"src"`
	Artifact        string       `json:"out"`
	Status          types.Status `json:"status"`
	Reason          string       `json:"reason,omitempty"`
	SourceModTime   time.Time    `json:"src_mtime"`
	ArtifactModTime *time.Time   `json:"out_mtime,omitempty"`
	SourceDigest    string       `json:"src_sha256,omitempty"`
	ArtifactDigest  string       `json:"out_sha256,omitempty"`
	SourceSize      int64        `json:"bytes_in"`
	ArtifactSize    int64        `json:"bytes_out"`
	DurationMS      int64        `json:"duration_ms"`
}

// Validate checks the entry invariants
func (e *Entry) Validate() error {
	if e.Source == "" {
		return types.ErrMissingSource
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: %q", types.ErrInvalidStatus, e.Status)
	}
	if e.Status == types.StatusError && e.Reason == "" {
		return types.ErrMissingReason
	}
	return nil
}

// Ledger is the in-memory provenance map
type Ledger struct {
	Version       int
	GeneratedAt   time.Time
	KBDir         string
	ServerVersion string

	entries map[string]Entry
}

// New returns an empty ledger
func New() *Ledger {
	return &Ledger{
		Version: FormatVersion,
		entries: make(map[string]Entry),
	}
}

// Get returns the entry for source
func (l *Ledger) Get(source string) (Entry, bool) {
	e, ok := l.entries[source]
	return e, ok
}

// Upsert inserts or replaces the entry keyed by e.Source
func (l *Ledger) Upsert(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	l.entries[e.Source] = e
	return nil
}

// Remove deletes the entry for source and reports whether one existed
func (l *Ledger) Remove(source string) bool {
	if _, ok := l.entries[source]; !ok {
		return false
	}
	delete(l.entries, source)
	return true
}

// Len returns the number of entries
func (l *Ledger) Len() int {
	return len(l.entries)
}

// Keys returns all sources in sorted order
func (l *Ledger) Keys() []string {
	keys := make([]string, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns all entries sorted by source
func (l *Ledger) Entries() []Entry {
	keys := l.Keys()
	out := make([]Entry, len(keys))
	for i, k := range keys {
		out[i] = l.entries[k]
	}
	return out
}

// Counts tallies entries by status
func (l *Ledger) Counts() map[types.Status]int {
	counts := make(map[types.Status]int, 3)
	for _, e := range l.entries {
		counts[e.Status]++
	}
	return counts
}

// Clone returns a deep copy
func (l *Ledger) Clone() *Ledger {
	c := *l
	c.entries = make(map[string]Entry, len(l.entries))
	for k, e := range l.entries {
		if e.ArtifactModTime != nil {
			t := *e.ArtifactModTime
			e.ArtifactModTime = &t
		}
		c.entries[k] = e
	}
	return &c
}

type document struct {
	Version       int       `json:"version"`
	GeneratedAt   time.Time `json:"generated_at"`
	KBDir         string    `json:"kb_dir"`
	ServerVersion string    `json:"server_version,omitempty"`
	Files         []Entry   `json:"files"`
}

// MarshalJSON encodes the ledger with files sorted by source
func (l *Ledger) MarshalJSON() ([]byte, error) {
	return json.Marshal(document{
		Version:       l.Version,
		GeneratedAt:   l.GeneratedAt.UTC(),
		KBDir:         l.KBDir,
		ServerVersion: l.ServerVersion,
		Files:         l.Entries(),
	})
}

// UnmarshalJSON decodes a ledger document. Unknown newer versions and
// malformed entries are rejected with ErrCorruptLedger.
func (l *Ledger) UnmarshalJSON(data []byte) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", types.ErrCorruptLedger, err)
	}
	if doc.Version < 1 || doc.Version > FormatVersion {
		return fmt.Errorf("%w: unsupported version %d", types.ErrCorruptLedger, doc.Version)
	}

	entries := make(map[string]Entry, len(doc.Files))
	for i := range doc.Files {
		e := doc.Files[i]
		if err := e.Validate(); err != nil {
			return fmt.Errorf("%w: entry %d: %v", types.ErrCorruptLedger, i, err)
		}
		entries[e.Source] = e
	}

	l.Version = doc.Version
	l.GeneratedAt = doc.GeneratedAt
	l.KBDir = doc.KBDir
	l.ServerVersion = doc.ServerVersion
	l.entries = entries
	return nil
}
