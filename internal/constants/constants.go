package constants

const (
	Schema   = "rollqueue_schema"
	JobTable = Schema + ".jobs"
)

// Advisory lock keys. Recovery locks are derived per category from RecoveryLockBase.
const (
	MigrationLock    int64 = 0x524f4c4c0001
	RecoveryLockBase int64 = 0x524f4c4c1000
)

const (
	// MaxAnnotationLength matches the VARCHAR bound of jobs.annotation.
	MaxAnnotationLength = 250
	// MaxDiagnosticLength bounds the error text embedded in an annotation.
	MaxDiagnosticLength = 150
)
