// Package processor runs the provider call for a claimed row and turns the
// answer into an Outcome with its annotation.
package processor

import (
	"context"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/rollqueue/internal/action"
	"github.com/RezaEskandarii/rollqueue/internal/constants"
	"github.com/RezaEskandarii/rollqueue/types"
	"github.com/sirupsen/logrus"
	"strings"
	"time"
)

const (
	maxAnnotationRunes = constants.MaxAnnotationLength
	maxDiagnosticRunes = constants.MaxDiagnosticLength
)

type Processor struct {
	provider action.Provider
	instance string
	timeout  time.Duration
	logger   logrus.FieldLogger
}

// New returns a Processor that identifies itself as instance in annotations.
// A non-positive timeout leaves the provider call bounded only by ctx.
func New(provider action.Provider, instance string, timeout time.Duration, logger logrus.FieldLogger) *Processor {
	return &Processor{
		provider: provider,
		instance: instance,
		timeout:  timeout,
		logger:   logger,
	}
}

// Process performs exactly one provider call for job and returns its outcome.
// The call runs detached from ctx cancellation: shutdown never interrupts an
// action that may already have happened remotely.
func (p *Processor) Process(ctx context.Context, job types.Job) (outcome Outcome) {
	defer func() {
		outcome.annotation = p.annotate(outcome, job.Annotation)
	}()

	kind, err := action.ParseKind(job.ActionKind)
	if err != nil {
		return Failed(err.Error())
	}

	callCtx := context.WithoutCancel(ctx)
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, p.timeout)
		defer cancel()
	}

	roll, err := p.provider.Perform(callCtx, job.GroupKey.ChannelID, kind)
	if err != nil {
		p.logger.WithFields(logrus.Fields{"job_id": job.ID, "kind": kind}).WithError(err).Warn("action provider call failed")
		return Failed(Diagnose(err))
	}
	if roll.Value == nil || !kind.Contains(*roll.Value) {
		fields := logrus.Fields{"job_id": job.ID, "kind": kind}
		if roll.Value != nil {
			fields["value"] = *roll.Value
		}
		p.logger.WithFields(fields).Warn("action provider returned no valid result")
		return Malformed()
	}
	return Completed(*roll.Value)
}

func (p *Processor) annotate(o Outcome, prior string) string {
	var head string
	switch {
	case o.IsCompleted():
		head = fmt.Sprintf("processed by %s, value=%d.", p.instance, o.value)
	case o.IsMalformed():
		head = fmt.Sprintf("processed by %s, send succeeded but no valid result.", p.instance)
	default:
		head = fmt.Sprintf("processed by %s, error: %s.", p.instance, o.diagnostic)
	}
	return ComposeAnnotation(head, prior)
}

// ComposeAnnotation prefixes prior with head and cuts the result to the column bound.
func ComposeAnnotation(head, prior string) string {
	return truncate(strings.TrimRight(head+" "+prior, " "), maxAnnotationRunes)
}

// Diagnose extracts a short description from a provider error, preferring a
// structured remote code and description over the generic message.
func Diagnose(err error) string {
	var remote *action.RemoteError
	var msg string
	switch {
	case errors.As(err, &remote):
		msg = remote.Error()
	case action.IsTimeout(err):
		msg = "timeout: " + err.Error()
	default:
		msg = err.Error()
	}
	return truncate(msg, maxDiagnosticRunes)
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

// FailedOutcome builds an annotated failed outcome for job without calling the provider.
func (p *Processor) FailedOutcome(job types.Job, diagnostic string) Outcome {
	o := Failed(diagnostic)
	o.annotation = p.annotate(o, job.Annotation)
	return o
}
