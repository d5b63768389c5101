package scheduler

import (
	"time"

	"github.com/livinlefevreloca/ledgersync/internal/batchsync"
	"github.com/livinlefevreloca/ledgersync/internal/cron"
)

// InboxMessage is the container for all messages sent to the scheduler
type InboxMessage struct {
	Type         MessageType
	Data         interface{}
	ResponseChan chan<- interface{} // Optional, for request/response pattern
}

// MessageType identifies the type of message being sent to the scheduler
type MessageType int

const (
	// From the orchestrator
	MsgRunCompleted MessageType = iota // A run reached a terminal state

	// From operators and the config watcher
	MsgTriggerNow // Fire a domain's scheduled run immediately
	MsgReschedule // Replace the schedule table

	// State queries
	MsgGetStatus // Request per-domain schedule status

	// Control
	MsgShutdown // Shutdown the scheduler
)

// String returns a human-readable representation of the message type
func (m MessageType) String() string {
	switch m {
	case MsgRunCompleted:
		return "RunCompleted"
	case MsgTriggerNow:
		return "TriggerNow"
	case MsgReschedule:
		return "Reschedule"
	case MsgGetStatus:
		return "GetStatus"
	case MsgShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// TriggerNowMsg asks for an out-of-schedule trigger of a domain
type TriggerNowMsg struct {
	Domain string
}

// RescheduleMsg carries a complete, already parsed schedule table
type RescheduleMsg struct {
	Schedules map[string]cron.Schedule
}

// RunCompletedMsg is the completion notice forwarded from the orchestrator
type RunCompletedMsg = batchsync.Completion

// EntryStatus describes one scheduled domain
type EntryStatus struct {
	Domain    string    `json:"domain"`
	Schedule  string    `json:"schedule"`
	NextRun   time.Time `json:"next_run"`
	LastFired time.Time `json:"last_fired,omitempty"`
	LastRunID string    `json:"last_run_id,omitempty"`
	InFlight  bool      `json:"in_flight"`
}

// StatusResponse is the reply to MsgGetStatus
type StatusResponse struct {
	Entries []EntryStatus
	Stats   Stats
}

// Stats counts scheduler activity since start
type Stats struct {
	Iterations int64 `json:"iterations"`
	Triggered  int64 `json:"triggered"`
	Skipped    int64 `json:"skipped"`
	Failed     int64 `json:"failed"`
	Purged     int64 `json:"purged"`
}
