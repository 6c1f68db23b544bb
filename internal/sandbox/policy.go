package sandbox

import "time"

// Default limits applied when a job or config leaves a value unset.
const (
	DefaultMaxLines        = 10
	DefaultMaxBytes        = 40000
	DefaultTimeout         = 5 * time.Second
	DefaultJoinTimeout     = 3 * time.Second
	DefaultRecoveryTimeout = 60 * time.Second

	// maxLineLength bounds a single read; longer lines are split.
	maxLineLength = 64 * 1024
)

// Policy defines resource limits for one execution.
type Policy struct {
	MaxLines int           // Output lines kept before the cap sentinel
	MaxBytes int           // Bytes of joined output kept before the size sentinel
	Timeout  time.Duration // Wall-clock limit for the user process
}

// DefaultPolicy returns the limits used when nothing else is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxLines: DefaultMaxLines,
		MaxBytes: DefaultMaxBytes,
		Timeout:  DefaultTimeout,
	}
}

// Merge fills unset fields of p from base.
func (p Policy) Merge(base Policy) Policy {
	if p.MaxLines <= 0 {
		p.MaxLines = base.MaxLines
	}
	if p.MaxBytes <= 0 {
		p.MaxBytes = base.MaxBytes
	}
	if p.Timeout <= 0 {
		p.Timeout = base.Timeout
	}
	return p
}
