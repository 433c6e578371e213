package fetch

import (
	"errors"
	"fmt"
	"strings"
)

// MirrorFailure records why one mirror was abandoned for a task.
type MirrorFailure struct {
	Mirror string
	Err    error
}

func (f MirrorFailure) String() string {
	return f.Mirror + ": " + f.Err.Error()
}

// checksumMismatchError marks a mirror that served corrupt content.
type checksumMismatchError struct {
	mirror string
	want   string
	got    string
}

func (e checksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch from %s: want %s got %s", e.mirror, e.want, e.got)
}

// IsChecksumMismatch reports whether err indicates corrupt mirror content.
func IsChecksumMismatch(err error) bool {
	var cm checksumMismatchError
	return errors.As(err, &cm)
}

// allMirrorsFailedError is returned after every mirror was exhausted. It
// carries the per-mirror failure reasons.
type allMirrorsFailedError struct {
	failures []MirrorFailure
}

func (e allMirrorsFailedError) Error() string {
	parts := make([]string, 0, len(e.failures))
	for _, f := range e.failures {
		parts = append(parts, f.String())
	}
	return "all mirrors failed: " + strings.Join(parts, "; ")
}

// IsAllMirrorsFailed reports whether err indicates mirror exhaustion.
func IsAllMirrorsFailed(err error) bool {
	var am allMirrorsFailedError
	return errors.As(err, &am)
}

// Failures extracts the per-mirror failure list from an exhaustion error,
// or nil when err is of a different kind.
func Failures(err error) []MirrorFailure {
	var am allMirrorsFailedError
	if errors.As(err, &am) {
		out := make([]MirrorFailure, len(am.failures))
		copy(out, am.failures)
		return out
	}
	return nil
}
