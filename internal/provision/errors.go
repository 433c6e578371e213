package provision

import (
	"errors"
	"fmt"
)

// artifactUnavailableError wraps a fetch failure for one artifact of an
// environment. The environment transitions to Failed when this is returned.
type artifactUnavailableError struct {
	artifact string
	err      error
}

func (e *artifactUnavailableError) Error() string {
	return fmt.Sprintf("artifact %s unavailable: %v", e.artifact, e.err)
}

func (e *artifactUnavailableError) Unwrap() error { return e.err }

// IsArtifactUnavailable reports whether err came from an artifact that could
// not be fetched from any mirror.
func IsArtifactUnavailable(err error) bool {
	var t *artifactUnavailableError
	return errors.As(err, &t)
}

// materializationError wraps a failure while building the environment root
// (unpack, manifest write, rename).
type materializationError struct {
	stage string
	err   error
}

func (e *materializationError) Error() string {
	return fmt.Sprintf("materialization failed at %s: %v", e.stage, e.err)
}

func (e *materializationError) Unwrap() error { return e.err }

// IsMaterializationFailed reports whether err came from the materialization
// step of provisioning.
func IsMaterializationFailed(err error) bool {
	var t *materializationError
	return errors.As(err, &t)
}
