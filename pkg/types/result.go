package types

// Status is the terminal state of one source within a sync.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOK, StatusError, StatusSkipped:
		return true
	}
	return false
}

// Outcome is the per-source result of a sync operation
type Outcome struct {
	Source   string `json:"src"`
	Artifact string `json:"out"` // Repository-relative, empty when nothing was produced
	Status   Status `json:"status"`
	Reason   string `json:"reason,omitempty"`

	DurationMS int64 `json:"duration_ms,omitempty"`

	// Err is the typed error behind an error outcome
	Err error `json:"-"`
}

// OK reports whether the source ended with a usable artifact
func (o *Outcome) OK() bool {
	return o.Status == StatusOK || o.Status == StatusSkipped
}

// Validate checks if the outcome is well formed
func (o *Outcome) Validate() error {
	if o.Source == "" {
		return ErrMissingSource
	}

	if !o.Status.Valid() {
		return ErrInvalidStatus
	}

	if o.Status == StatusError && o.Reason == "" {
		return ErrMissingReason
	}

	return nil
}

// Counts aggregates outcomes of a batch
type Counts struct {
	Processed int `json:"processed"`
	OK        int `json:"ok"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Count tallies a list of outcomes
func Count(outcomes []Outcome) Counts {
	c := Counts{Processed: len(outcomes)}
	for i := range outcomes {
		switch outcomes[i].Status {
		case StatusOK:
			c.OK++
		case StatusSkipped:
			c.Skipped++
		case StatusError:
			c.Errors++
		}
	}
	return c
}
