package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Canonical returns the stable serialization of the spec used for hashing:
// fixed field order, lower-cased identifiers, dependencies in declared order.
// Two specs with the same canonical form identify the same environment.
func (s EnvironmentSpec) Canonical() string {
	var b strings.Builder
	b.WriteString("backend=")
	b.WriteString(strings.ToLower(strings.TrimSpace(s.Backend)))
	b.WriteString(";runtime=")
	b.WriteString(strings.TrimSpace(s.RuntimeVersion))
	b.WriteString(";hw=")
	b.WriteString(strings.ToLower(strings.TrimSpace(s.HardwareClass)))
	b.WriteString(";deps=")
	for i, d := range s.Dependencies {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strings.ToLower(strings.TrimSpace(d.Name)))
		b.WriteString(d.VersionConstraint)
	}
	return b.String()
}

// Key returns the spec key: hex sha256 of the canonical serialization.
func (s EnvironmentSpec) Key() string {
	sum := sha256.Sum256([]byte(s.Canonical()))
	return hex.EncodeToString(sum[:])
}

// WithHardwareClass returns a copy of the spec with the hardware class
// replaced. Used by callers that retry with an explicitly downgraded spec.
func (s EnvironmentSpec) WithHardwareClass(hw string) EnvironmentSpec {
	out := s
	out.HardwareClass = hw
	out.Dependencies = append([]Dependency(nil), s.Dependencies...)
	return out
}
