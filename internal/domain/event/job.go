package event

import (
	"encoding/json"
	"fmt"
	"time"
)

type JobKind string

const (
	JobBackfillRange JobKind = "backfill-range"
	JobBlockCheck    JobKind = "block-check"
	JobOrderResubmit JobKind = "order-resubmit"
)

// JobState is the lifecycle of a queued job.
type JobState string

const (
	JobQueued       JobState = "queued"
	JobProcessing   JobState = "processing"
	JobCompleted    JobState = "completed"
	JobRetrying     JobState = "retrying"
	JobDeadLettered JobState = "dead-lettered"
)

var jobTransitions = map[JobState][]JobState{
	JobQueued:     {JobProcessing},
	JobProcessing: {JobCompleted, JobRetrying, JobDeadLettered},
	JobRetrying:   {JobProcessing},
}

// Transition validates a move from s to next. Completed and dead-lettered
// jobs are final.
func (s JobState) Transition(next JobState) (JobState, error) {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return next, nil
		}
	}
	return s, fmt.Errorf("job state %s cannot move to %s", s, next)
}

func (s JobState) Final() bool {
	return s == JobCompleted || s == JobDeadLettered
}

// Job is the durable queue envelope.
type Job struct {
	ID         string          `json:"id"`
	Kind       JobKind         `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	State      JobState        `json:"state"`
	LastError  string          `json:"lastError,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// SyncOptions narrow a range sync to a subset of events.
type SyncOptions struct {
	SubKinds []SubKind `json:"subKinds,omitempty"`
	Address  string    `json:"address,omitempty"`
	// SkipOrders disables order-side processing for ledger-only resyncs.
	SkipOrders bool `json:"skipOrders,omitempty"`
	// Realtime ranges record every block, not only blocks with logs.
	Realtime bool `json:"realtime,omitempty"`
}

// RangeJob is the payload of a backfill-range job.
type RangeJob struct {
	FromBlock int64       `json:"fromBlock"`
	ToBlock   int64       `json:"toBlock"`
	Options   SyncOptions `json:"options"`
}

// BlockCheckJob is the payload of a block-check job.
type BlockCheckJob struct {
	Block     int64  `json:"block"`
	BlockHash string `json:"blockHash"`
}
