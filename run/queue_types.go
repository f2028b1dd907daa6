package run

import "time"

// QueueConfig is the tunable configuration surface for a queue instance
// (spec §6.4). Only RetentionDays and LogLevel are hot-reloadable by
// qconfig; the rest take effect only at process start.
type QueueConfig struct {
	MaxConcurrentGlobal   int    `yaml:"max_concurrent_global" json:"max_concurrent_global"`
	MaxConcurrentPerAgent int    `yaml:"max_concurrent_per_agent" json:"max_concurrent_per_agent"`
	MaxQueueSize          int    `yaml:"max_queue_size" json:"max_queue_size"`
	EnablePersistence     bool   `yaml:"enable_persistence" json:"enable_persistence"`
	DBPath                string `yaml:"db_path" json:"db_path"`
	RetentionDays         int    `yaml:"retention_days" json:"retention_days"`
}

// DefaultQueueConfig matches spec §6.4's defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxConcurrentGlobal:   4,
		MaxConcurrentPerAgent: 2,
		MaxQueueSize:          100,
		EnablePersistence:     true,
		DBPath:                ".praison/queue.db",
		RetentionDays:         30,
	}
}

// QueueStatistics is the snapshot returned by get_stats().
type QueueStatistics struct {
	Queued    int            `json:"queued"`
	Running   int            `json:"running"`
	Paused    int            `json:"paused"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Cancelled int            `json:"cancelled"`
	TotalRuns int            `json:"total_runs"`
	ByAgent   map[string]int `json:"by_agent"`
}

// StreamChunk is one unit of output delivered through the Stream Bus.
// ChunkIndex is strictly increasing per run_id starting at 0; exactly one
// chunk per run carries IsFinal=true. Dropped marks a visible gap left by
// a subscriber that fell behind its bounded buffer (spec §4.6) — a
// dropped chunk still consumes its ChunkIndex slot.
type StreamChunk struct {
	RunID      string    `json:"run_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	IsFinal    bool      `json:"is_final,omitempty"`
	Dropped    bool      `json:"dropped,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventKind enumerates the QueueEvent variants published on state changes.
type EventKind string

const (
	EventSubmitted EventKind = "run_submitted"
	EventStarted   EventKind = "run_started"
	EventOutput    EventKind = "run_output"
	EventCompleted EventKind = "run_completed"
	EventFailed    EventKind = "run_failed"
	EventCancelled EventKind = "run_cancelled"
	EventRetried   EventKind = "run_retried"
)

// QueueEvent is a lifecycle notification published for observers (SSE/ws
// dashboards, audit logging) distinct from the per-run StreamChunk data.
// Payload carries kind-specific detail — on a run_failed event it holds
// the failure reason and whether the error was transient, so subscribers
// can decide whether to retry without re-deriving it from the error text.
type QueueEvent struct {
	Kind      EventKind          `json:"kind"`
	RunID     string             `json:"run_id"`
	AgentName string             `json:"agent_name"`
	Timestamp time.Time          `json:"timestamp"`
	Payload   *QueueEventPayload `json:"payload,omitempty"`
}

// QueueEventPayload is the kind-specific detail attached to a QueueEvent.
type QueueEventPayload struct {
	Reason    string `json:"reason,omitempty"`
	Transient bool   `json:"transient,omitempty"`
}
