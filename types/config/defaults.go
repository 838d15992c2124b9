package config

import "time"

const (
	DefaultBatchSize      = 10
	DefaultPollInterval   = 2000 * time.Millisecond
	DefaultCommitMode     = TwoPhase
	DefaultOverlapPolicy  = SkipOverlap
	DefaultStaleAfter     = 10 * time.Minute
	DefaultActionTimeout  = 15 * time.Second
	DefaultSSLMode        = "require"
	DefaultMaxOpenConns   = 10
	DefaultMaxIdleConns   = 2
	DefaultNotifyChannel  = "rollqueue.outcomes"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultDepthInterval  = 15 * time.Second
	DefaultRecoveryPeriod = time.Minute
)

// StaleAfterMargin is the slack StaleAfter must leave over ActionTimeout for the
// claim renewal and the result commit around a single provider call.
const StaleAfterMargin = 30 * time.Second
