package processor

import (
	"github.com/RezaEskandarii/rollqueue/internal/state"
)

type outcomeKind int

const (
	completed outcomeKind = iota + 1
	malformed
	failed
)

// Outcome is the result of processing one row. It is only built through
// Completed, Malformed and Failed, so a completed outcome always carries a
// value inside the kind's face range and the other two never carry one.
type Outcome struct {
	kind       outcomeKind
	value      int
	diagnostic string
	annotation string
}

func Completed(value int) Outcome {
	return Outcome{kind: completed, value: value}
}

// Malformed is a provider call that returned without error but without a usable value.
func Malformed() Outcome {
	return Outcome{kind: malformed}
}

// Failed is a provider call that returned an error. diagnostic is cut to the diagnostic bound.
func Failed(diagnostic string) Outcome {
	return Outcome{kind: failed, diagnostic: truncate(diagnostic, maxDiagnosticRunes)}
}

// Status is the terminal row status for the outcome.
func (o Outcome) Status() state.JobStatus {
	if o.kind == completed {
		return state.StatusCompleted
	}
	return state.StatusError
}

// Value returns the roll for completed outcomes and nil otherwise.
func (o Outcome) Value() *int {
	if o.kind != completed {
		return nil
	}
	v := o.value
	return &v
}

func (o Outcome) Diagnostic() string {
	return o.diagnostic
}

// Annotation is the bounded text written to the row.
func (o Outcome) Annotation() string {
	return o.annotation
}

func (o Outcome) IsCompleted() bool { return o.kind == completed }
func (o Outcome) IsMalformed() bool { return o.kind == malformed }
func (o Outcome) IsFailed() bool    { return o.kind == failed }
