package storage

// RunWriter records completed runs
type RunWriter interface {
	RecordRun(run RunRecord, outcomes []OutcomeRecord) (revision int64, err error)
}

// RunReader queries run history
type RunReader interface {
	GetResourceState(arn string) (*ResourceState, error)
	GetResourcesByOutcome(outcome string) ([]*ResourceState, error)
	RecentRuns(limit int) ([]RunRecord, error)
	OutcomesAt(revision int64) ([]OutcomeRecord, error)
}

// Compactor handles storage compaction
type Compactor interface {
	Compact(keepRevisions int64) error
}

// Lifecycle manages storage lifecycle
type Lifecycle interface {
	Close() error
}

// Ledger is the complete run history interface
type Ledger interface {
	RunWriter
	RunReader
	Compactor
	Lifecycle
	CurrentRevision() int64
}
