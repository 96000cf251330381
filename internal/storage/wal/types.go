package wal

import "github.com/ChuLiYu/probe-swarm/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the coordinator transition records
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventSubmit  EventType = "SUBMIT"  // Job accepted; Spec carries everything needed to rebuild its items
	EventResult  EventType = "RESULT"  // Work item reached a terminal outcome
	EventRetry   EventType = "RETRY"   // Work item requeued with a higher attempt
	EventDead    EventType = "DEAD"    // Work item dead-lettered
	EventCancel  EventType = "CANCEL"  // Job cancelled by the user
	EventFail    EventType = "FAIL"    // Job failed (capacity timeout)
	EventArchive EventType = "ARCHIVE" // Job archived
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64      `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType   `json:"type"`      // Event type
	JobID     types.JobID `json:"job_id"`    // Job ID
	Timestamp int64       `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32      `json:"checksum"`  // CRC32 checksum

	ItemID  types.ItemID   `json:"item_id,omitempty"`
	Attempt int            `json:"attempt,omitempty"`
	Spec    *types.JobSpec `json:"spec,omitempty"`
	Result  *types.Result  `json:"result,omitempty"`
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
