package pipeline

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

// Stage is the position of a run in the pipeline.
type Stage int

const (
	AwaitingArtifact Stage = iota
	ArtifactSelected
	Signed
	Attested
)

func (s Stage) String() string {
	switch s {
	case AwaitingArtifact:
		return "awaiting-artifact"
	case ArtifactSelected:
		return "artifact-selected"
	case Signed:
		return "signed"
	case Attested:
		return "attested"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	for _, candidate := range []Stage{AwaitingArtifact, ArtifactSelected, Signed, Attested} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", text)
}

// Progress messages published while a transition is running.
const (
	ProgressExtracting = "Extracting artifact data..."
	ProgressSigning    = "Signing digest..."
	ProgressSubmitting = "Submitting attestation..."
)

// State is an immutable snapshot of the pipeline. Records are shared between
// snapshots and must not be modified.
type State struct {
	Stage       Stage                         `json:"stage"`
	Artifact    *interfaces.Artifact          `json:"artifact,omitempty"`
	Signed      *interfaces.SignedRecord      `json:"signed,omitempty"`
	Attestation *interfaces.AttestationRecord `json:"attestation,omitempty"`
	Loading     bool                          `json:"loading"`
	Progress    string                        `json:"progress,omitempty"`
	LastError   *ErrorDescriptor              `json:"last_error,omitempty"`

	// Version increases with every published change.
	Version uint64 `json:"version"`
	// Generation increases with every reset. Results of a run started in an older
	// generation are dropped.
	Generation uint64 `json:"generation"`
}

// ErrorDescriptor is the last failure of a transition.
type ErrorDescriptor struct {
	Category interfaces.ErrorCategory `json:"category"`
	Stage    Stage                    `json:"stage"`
	Message  string                   `json:"message"`
	Err      error                    `json:"-"`
}

func (d *ErrorDescriptor) Error() string {
	return d.Message
}

func (d *ErrorDescriptor) Unwrap() error {
	return d.Err
}

func describe(stage Stage, err error) *ErrorDescriptor {
	return &ErrorDescriptor{
		Category: interfaces.Categorize(err),
		Stage:    stage,
		Message:  err.Error(),
		Err:      err,
	}
}

// StageError is returned when a transition is requested from a stage that does not allow it.
type StageError struct {
	Op      string
	Stage   Stage
	Allowed []Stage
}

func (e *StageError) Error() string {
	allowed := make([]string, 0, len(e.Allowed))
	for _, s := range e.Allowed {
		allowed = append(allowed, s.String())
	}
	return fmt.Sprintf("%s: %s not allowed in stage %s (allowed: %s)",
		interfaces.ErrInvalidStage, e.Op, e.Stage, strings.Join(allowed, ", "))
}

func (e *StageError) Is(target error) bool {
	return target == interfaces.ErrInvalidStage
}

func checkStage(op string, current Stage, allowed ...Stage) error {
	if slices.Contains(allowed, current) {
		return nil
	}
	return &StageError{Op: op, Stage: current, Allowed: allowed}
}
