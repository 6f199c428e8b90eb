// Package detect decides whether a cached artifact must be regenerated.
//
// The decision is a pure function of a policy and injected metadata; it
// never touches the filesystem, so callers gather SourceMeta and
// ArtifactMeta themselves.
package detect

import (
	"fmt"
	"strings"
	"time"
)

// Policy selects how aggressively artifacts are regenerated
type Policy int

const (
	// Always regenerates on every request. This is the default.
	Always Policy = iota
	// SkipUnchanged regenerates only when the source differs from what was
	// last recorded or the artifact is missing.
	SkipUnchanged
)

// String returns the configuration spelling of the policy
func (p Policy) String() string {
	switch p {
	case Always:
		return "always"
	case SkipUnchanged:
		return "skip-unchanged"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses "always" or "skip-unchanged" (underscores accepted)
func ParsePolicy(s string) (Policy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-") {
	case "", "always":
		return Always, nil
	case "skip-unchanged":
		return SkipUnchanged, nil
	default:
		return Always, fmt.Errorf("unknown regeneration policy %q", s)
	}
}

// PolicyFor maps the boolean skip_unchanged setting onto a Policy
func PolicyFor(skipUnchanged bool) Policy {
	if skipUnchanged {
		return SkipUnchanged
	}
	return Always
}

// SourceMeta describes the source as it is now and as it was last recorded.
// Empty digests mean "unknown".
type SourceMeta struct {
	ModTime        time.Time
	Digest         string // current content digest
	RecordedDigest string // digest stored with the last successful ledger entry
}

// ArtifactMeta describes the cached artifact
type ArtifactMeta struct {
	Exists  bool
	ModTime time.Time
}

// RequiresRegeneration reports whether the artifact must be rebuilt.
//
// A missing artifact always requires regeneration regardless of policy.
// Under SkipUnchanged a digest comparison wins over timestamps whenever both
// digests are known.
func RequiresRegeneration(policy Policy, src SourceMeta, art ArtifactMeta) bool {
	if policy != SkipUnchanged {
		return true
	}
	if !art.Exists {
		return true
	}
	if src.Digest != "" && src.RecordedDigest != "" {
		return src.Digest != src.RecordedDigest
	}
	return src.ModTime.After(art.ModTime)
}
