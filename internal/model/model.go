// Package model defines the persisted entities of the annotation
// pipeline: Worker, CompletedSample, Annotation, Heartbeat,
// WorkerEvent, RateLimiterState and SystemState.
package model

import "time"

// Status is the lifecycle status of a Worker row.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusStopped    Status = "stopped"
	StatusCompleted  Status = "completed"
	StatusCrashed    Status = "crashed"
)

// Key identifies a worker by its (annotator, domain) pair.
type Key struct {
	AnnotatorID int
	Domain      string
}

func (k Key) String() string {
	return k.Domain + "#" + itoa(k.AnnotatorID)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Worker is the per-(annotator,domain) configuration + progress row.
// pid is non-null iff status == running (enforced by the store, not by
// a DB-level CHECK constraint, since SQLite's CHECK support interacts
// poorly with GORM's migrator).
type Worker struct {
	ID             uint       `gorm:"primarykey" json:"-"`
	AnnotatorID    int        `gorm:"uniqueIndex:idx_worker_pair" json:"annotator_id"`
	Domain         string     `gorm:"uniqueIndex:idx_worker_pair" json:"domain"`
	Enabled        bool       `json:"enabled"`
	TargetCount    int        `json:"target_count"`
	Status         Status     `gorm:"index" json:"status"`
	Pid            *int       `json:"pid"`
	StartedAt      *time.Time `json:"started_at"`
	StoppedAt      *time.Time `json:"stopped_at"`
	LastUpdated    time.Time  `json:"last_updated"`
	TotalCompleted int        `json:"total_completed"`
	TotalMalformed int        `json:"total_malformed"`
	SamplesPerMin  float64    `json:"samples_per_min"`
}

// CompletedSample records that (Worker, SampleID) has been accounted
// for, exactly once. Unique on (WorkerID, SampleID): re-inserts from a
// crash-recovered re-annotation are absorbed silently.
type CompletedSample struct {
	ID          uint      `gorm:"primarykey" json:"-"`
	WorkerID    uint      `gorm:"uniqueIndex:idx_completed_pair" json:"worker_id"`
	SampleID    string    `gorm:"uniqueIndex:idx_completed_pair" json:"sample_id"`
	Label       string    `json:"label"`
	IsMalformed bool      `json:"is_malformed"`
	CompletedAt time.Time `json:"completed_at"`
}

// Annotation is the full append-only record of a sample decision.
// Unlike CompletedSample it has no uniqueness constraint: a crash
// between saving the Annotation and recording the completed sample is
// recovered by re-annotating the same sample, producing a second
// Annotation row, which is expected and tolerated.
type Annotation struct {
	ID            uint      `gorm:"primarykey" json:"-"`
	RecordID      string    `gorm:"uniqueIndex" json:"record_id"` // UUID, stable across exports
	WorkerID      uint      `gorm:"index" json:"worker_id"`
	SampleID      string    `json:"sample_id"`
	SampleText    string    `json:"sample_text"`
	Label         string    `json:"label"`
	Response      string    `json:"response"`
	IsMalformed   bool      `json:"is_malformed"`
	ParseError    string    `json:"parse_error"`
	ValidityError string    `json:"validity_error"`
	CreatedAt     time.Time `json:"created_at"`
}

// Heartbeat is the single upserted liveness row per worker.
type Heartbeat struct {
	WorkerID        uint      `gorm:"primarykey" json:"worker_id"`
	Pid             int       `json:"pid"`
	Iteration       int       `json:"iteration"`
	HeartbeatStatus Status    `json:"heartbeat_status"`
	HeartbeatTime   time.Time `json:"heartbeat_time"`
}

// WorkerEvent is an append-only log of status transitions and resets.
type WorkerEvent struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	EventID   string    `gorm:"uniqueIndex" json:"event_id"` // UUID, stable across exports
	WorkerID  uint      `gorm:"index" json:"worker_id"`
	EventType string    `json:"event_type"`
	At        time.Time `json:"at"`
}

// RateLimiterState is the per-credential token bucket row.
type RateLimiterState struct {
	CredentialID  string `gorm:"primarykey"`
	Tokens        float64
	LastRefill    time.Time
	RequestsToday int
	DayStart      string // YYYY-MM-DD, UTC
	TotalRequests int64
	LastRequest   *time.Time
}

// SystemState is a tiny key/value strip, e.g. last_factory_reset.
type SystemState struct {
	Key   string `gorm:"primarykey"`
	Value string
}

// AllTables lists every model for AutoMigrate, in dependency order.
func AllTables() []interface{} {
	return []interface{}{
		&Worker{},
		&CompletedSample{},
		&Annotation{},
		&Heartbeat{},
		&WorkerEvent{},
		&RateLimiterState{},
		&SystemState{},
	}
}
