package run

import (
	"errors"
	"time"

	"github.com/malbeclabs/fooddw/warehouse/pkg/dimension"
	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
	"github.com/malbeclabs/fooddw/warehouse/pkg/fact"
)

var (
	ErrNotFound    = errors.New("batch not found")
	ErrExists      = errors.New("batch already exists")
	ErrSealed      = errors.New("batch is sealed")
	ErrBlocked     = errors.New("batch is blocked by an earlier batch")
	ErrOutOfOrder  = errors.New("batch ingestion timestamp precedes an earlier batch")
	ErrCommitted   = errors.New("batch is committed")
	ErrCancelled   = errors.New("batch is cancelled")
	ErrTimeout     = errors.New("store operation timed out")
	ErrEmptyBatch  = errors.New("batch has no rows")
	ErrInvalidName = errors.New("invalid batch id")
)

type State string

const (
	StateReceived         State = "RECEIVED"
	StateStaged           State = "STAGED"
	StateCleaned          State = "CLEANED"
	StateDimensionsMerged State = "DIMENSIONS_MERGED"
	StateFactsBuilt       State = "FACTS_BUILT"
	StateCommitted        State = "COMMITTED"
	StateFailed           State = "FAILED"
	StateCancelled        State = "CANCELLED"
)

var progression = []State{
	StateReceived,
	StateStaged,
	StateCleaned,
	StateDimensionsMerged,
	StateFactsBuilt,
	StateCommitted,
}

// rank orders the progression states. FAILED and CANCELLED are not part of it.
func (s State) rank() int {
	for i, p := range progression {
		if p == s {
			return i
		}
	}
	return -1
}

// Terminal reports whether the batch can no longer change. FAILED is not terminal: it can be
// resumed.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateCancelled
}

// Batch is the provenance record of one ingestion batch.
type Batch struct {
	ID  string `json:"batch_id"`
	Seq int64  `json:"seq"`
	// IngestedAt is the batch timestamp: the effective boundary of every dimension version the
	// batch opens or closes.
	IngestedAt time.Time     `json:"ingested_at"`
	State      State         `json:"state"`
	Reached    State         `json:"reached"`
	FailedStep State         `json:"failed_step,omitempty"`
	Error      *RunError     `json:"error,omitempty"`
	Counts     StepCounts    `json:"counts"`
	Parts      []entity.Type `json:"parts"`
	Rows       int           `json:"rows"`
	Sealed     bool          `json:"sealed"`
	Attempts   int           `json:"attempts"`
	LastOpID   string        `json:"last_op_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

func (b Batch) Ref() dimension.BatchRef {
	return dimension.BatchRef{ID: b.ID, Timestamp: b.IngestedAt}
}

// StepCounts are recorded once per step, when the step first completes, so a re-run reports the
// same numbers.
type StepCounts struct {
	Received   int                    `json:"received"`
	Staged     int                    `json:"staged"`
	Malformed  int                    `json:"malformed"`
	Superseded int                    `json:"superseded"`
	Cleaned    int                    `json:"cleaned"`
	Rejected   int                    `json:"rejected"`
	Dimensions *dimension.MergeCounts `json:"dimensions,omitempty"`
	Facts      *fact.BuildCounts      `json:"facts,omitempty"`
}

func (c StepCounts) Quarantined() int {
	return c.Malformed + c.Rejected
}

type ErrorCode string

const (
	CodeInvariantViolation ErrorCode = "INVARIANT_VIOLATION"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeCancelled          ErrorCode = "CANCELLED"
	CodeInternal           ErrorCode = "INTERNAL"
)

type RunError struct {
	Code    ErrorCode `json:"code"`
	Step    State     `json:"step"`
	Message string    `json:"message"`
}

func (e *RunError) Error() string {
	return string(e.Code) + " at " + string(e.Step) + ": " + e.Message
}

// RunResult is the structured outcome of RunIncremental.
type RunResult struct {
	BatchID          string     `json:"batch_id"`
	Status           State      `json:"status"`
	Counts           StepCounts `json:"counts"`
	QuarantinedCount int        `json:"quarantined_count"`
	Error            *RunError  `json:"error,omitempty"`
}

func resultOf(b Batch) RunResult {
	return RunResult{
		BatchID:          b.ID,
		Status:           b.State,
		Counts:           b.Counts,
		QuarantinedCount: b.Counts.Quarantined(),
		Error:            b.Error,
	}
}

// Submission is one part of a batch: rows of a single entity type.
type Submission struct {
	BatchID    string
	EntityType entity.Type
	Rows       []map[string]any
	// IngestedAt fixes the batch timestamp when the batch is created. Zero means now.
	IngestedAt time.Time
}
