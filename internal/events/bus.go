// Package events provides the typed event bus consumed by the external
// notifier. Components publish lifecycle, health, idle, and backup events
// here and never block on delivery.
package events

import (
	"sync"
	"time"

	"gamewarden/internal/config"
)

// EventType represents the type of event.
type EventType string

const (
	// Process lifecycle events
	ProcessStarting  EventType = "process_starting"
	ProcessStarted   EventType = "process_started"
	ProcessStopping  EventType = "process_stopping"
	ProcessStopped   EventType = "process_stopped"
	ProcessCrashed   EventType = "process_crashed"
	ProcessBackoff   EventType = "process_backoff"
	ProcessRestarted EventType = "process_restarted"

	// SupervisorExhausted is fatal: the crash cap was exceeded and the
	// supervisor gave up restarting the process.
	SupervisorExhausted EventType = "supervisor_exhausted"

	// Health and query events
	HealthVerdictChanged EventType = "health_verdict_changed"
	ProtocolSwitched     EventType = "protocol_switched"

	// Idle restart events
	IdleRestartTriggered EventType = "idle_restart_triggered"

	// Backup events
	BackupSucceeded EventType = "backup_succeeded"
	BackupFailed    EventType = "backup_failed"
	RetentionSwept  EventType = "retention_swept"

	// Configuration events
	ConfigReloaded EventType = "config_reloaded"
)

// Event represents a single event in the system.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// LifecycleData accompanies process lifecycle events.
type LifecycleData struct {
	OldState string `json:"old_state"`
	NewState string `json:"new_state"`
	PID      int    `json:"pid,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Crashes  int    `json:"crashes,omitempty"`
}

// HealthData accompanies health verdict changes.
type HealthData struct {
	OldVerdict string  `json:"old_verdict"`
	NewVerdict string  `json:"new_verdict"`
	CPUPct     float64 `json:"cpu_pct"`
	MemPct     float64 `json:"mem_pct"`
	DiskPct    float64 `json:"disk_pct"`
	Reachable  bool    `json:"reachable"`
}

// ProtocolData accompanies protocol switch events.
type ProtocolData struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Failures int    `json:"failures,omitempty"`
}

// IdleData accompanies idle restart events.
type IdleData struct {
	IdleFor   time.Duration `json:"idle_for"`
	Threshold time.Duration `json:"threshold"`
}

// BackupData accompanies backup success/failure events.
type BackupData struct {
	Name      string   `json:"name,omitempty"`
	Tiers     []string `json:"tiers,omitempty"`
	SizeBytes int64    `json:"size_bytes,omitempty"`
	Checksum  string   `json:"checksum,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// SweepData summarizes a retention sweep.
type SweepData struct {
	Deleted   []string `json:"deleted,omitempty"`
	Failed    []string `json:"failed,omitempty"`
	Remaining int      `json:"remaining"`
}

// Bus is a thread-safe event bus for pub/sub messaging.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	allSubs     []chan Event
	closed      bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
	}
}

// Subscribe subscribes to a specific event type and returns a channel for
// receiving events. The channel is buffered to prevent blocking publishers.
func (b *Bus) Subscribe(eventType EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, config.EventChannelBufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch
}

// SubscribeAll subscribes to every event type, including types first
// published after the subscription.
func (b *Bus) SubscribeAll() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, config.EventChannelBufferSizeAll)
	b.allSubs = append(b.allSubs, ch)
	return ch
}

// Unsubscribe removes a subscription channel.
func (b *Bus) Unsubscribe(eventType EventType, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers, exists := b.subscribers[eventType]
	if !exists {
		return
	}

	for i, subscriber := range subscribers {
		if subscriber == ch {
			last := len(subscribers) - 1
			subscribers[i] = subscribers[last]
			b.subscribers[eventType] = subscribers[:last]
			break
		}
	}

	if len(b.subscribers[eventType]) == 0 {
		delete(b.subscribers, eventType)
	}
}

// Publish publishes an event to all subscribers of that event type. It is
// non-blocking: if a subscriber's channel is full, the event is dropped for
// that subscriber.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Subscriber is not keeping up; drop rather than block.
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes the event bus and all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subscribers := range b.subscribers {
		for _, ch := range subscribers {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}

	b.subscribers = make(map[EventType][]chan Event)
	b.allSubs = nil
}

// SubscriberCount returns the number of subscribers for a specific event type.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}
