package executor

import "time"

// BucketPriority is a tenant's workload class.
type BucketPriority int

const (
	LowBucketPriority BucketPriority = iota
	HighBucketPriority
)

// WorkloadPolicy describes how a tenant wants its work weighted.
type WorkloadPolicy struct {
	Priority BucketPriority
	Shards   int
}

// Taskable is a registered tenant: it owns tasks and receives their
// scheduling telemetry.
//
// LogQTime and LogRunTime are called from worker goroutines on every dispatch
// and must not block.
type Taskable interface {
	Name() string
	GID() uint64
	WorkloadPolicy() WorkloadPolicy

	LogQTime(id TaskID, queued time.Duration)
	LogRunTime(id TaskID, ran time.Duration)
}
