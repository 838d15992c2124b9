package config

import (
	"fmt"
	"strings"
)

// CommitMode selects how a cycle scopes its transactions.
type CommitMode int

const (
	// TwoPhase claims rows in a short transaction that marks them in_progress,
	// then commits every row's result in its own transaction after the provider call.
	TwoPhase CommitMode = iota + 1
	// SingleTransaction holds one transaction across the claim, every provider call and every write.
	// A failure anywhere rolls back rows whose external action already ran.
	SingleTransaction
)

// String converts the CommitMode enum to its configuration spelling.
func (m CommitMode) String() string {
	switch m {
	case TwoPhase:
		return "two_phase"
	case SingleTransaction:
		return "single_tx"
	}
	return "unknown"
}

func (m *CommitMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "two_phase", "two-phase":
		*m = TwoPhase
	case "single_tx", "single-tx", "single":
		*m = SingleTransaction
	default:
		return fmt.Errorf("unknown commit mode %q", string(text))
	}
	return nil
}

// OverlapPolicy decides what happens to a tick that fires while the previous cycle still runs.
type OverlapPolicy int

const (
	SkipOverlap OverlapPolicy = iota + 1
	DelayOverlap
)

func (p OverlapPolicy) String() string {
	switch p {
	case SkipOverlap:
		return "skip"
	case DelayOverlap:
		return "delay"
	}
	return "unknown"
}

func (p *OverlapPolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "skip":
		*p = SkipOverlap
	case "delay", "queue":
		*p = DelayOverlap
	default:
		return fmt.Errorf("unknown overlap policy %q", string(text))
	}
	return nil
}

type NotifyDriver int

const (
	NoNotify NotifyDriver = iota
	RabbitMQ
	Redis
)

func (d NotifyDriver) String() string {
	switch d {
	case NoNotify:
		return "none"
	case RabbitMQ:
		return "rabbitmq"
	case Redis:
		return "redis"
	default:
		return "unknown"
	}
}

func (d *NotifyDriver) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "none":
		*d = NoNotify
	case "rabbitmq", "amqp":
		*d = RabbitMQ
	case "redis":
		*d = Redis
	default:
		return fmt.Errorf("unknown notify driver %q", string(text))
	}
	return nil
}
