// Package models defines the core data structures for YTBot.
//
// It includes types for service availability, queued retry deliveries, and
// completed delivery records, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Availability describes the last known reachability of an external service.
type Availability string

const (
	// AvailabilityUnknown is the state before the first probe completes.
	AvailabilityUnknown Availability = "unknown"
	// AvailabilityUp means the most recent probe succeeded.
	AvailabilityUp Availability = "up"
	// AvailabilityDown means the most recent probe failed or timed out.
	AvailabilityDown Availability = "down"
)

// Error variables for better error handling and testability
var (
	ErrEmptyServiceName = errors.New("service name cannot be empty")
	ErrEmptySourcePath  = errors.New("retry item source path cannot be empty")
	ErrEmptyUserID      = errors.New("user ID cannot be empty")
)

// ServiceStatus is the per-service view maintained by the availability
// monitor. It is mutated only by the monitor's probe loop; all other readers
// receive copies.
type ServiceStatus struct {
	Name                string       `json:"name"`
	Availability        Availability `json:"availability"`
	LastProbe           time.Time    `json:"last_probe"`
	LastTransition      time.Time    `json:"last_transition"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
}

// RetryItem is one pending delivery whose upload to the storage backend
// failed after the uploader's own retry budget was exhausted. Items live in
// the cache manager until delivery succeeds, an operator purges them, or
// their backing file disappears.
type RetryItem struct {
	ID         string    `json:"id"`
	SourcePath string    `json:"source_path"`
	SizeBytes  int64     `json:"size_bytes"`
	Checksum   string    `json:"checksum,omitempty"` // hex SHA-256 of the source file
	RemoteDir  string    `json:"remote_dir"`
	RemoteName string    `json:"remote_name"`
	ChatID     int64     `json:"chat_id,omitempty"` // originating chat, for completion notices
	EnqueuedAt time.Time `json:"enqueued_at"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
}

// DeliveryOrigin distinguishes uploads that succeeded on first attempt from
// uploads replayed out of the retry queue.
type DeliveryOrigin string

const (
	// DeliveryOriginDirect marks an upload delivered on the original request.
	DeliveryOriginDirect DeliveryOrigin = "direct"
	// DeliveryOriginRetry marks an upload delivered by a queue drain.
	DeliveryOriginRetry DeliveryOrigin = "retry"
)

// DeliveryRecord is one completed upload, kept in the delivery history store
// for the admin status command.
type DeliveryRecord struct {
	ChatID     int64          `json:"chat_id"`
	FileName   string         `json:"file_name"`
	RemotePath string         `json:"remote_path"`
	SizeBytes  int64          `json:"size_bytes"`
	Origin     DeliveryOrigin `json:"origin"`
	Time       time.Time      `json:"time"`
}

// IncomingMessage is one inbound chat message normalized by the messaging
// service, independent of the underlying transport.
type IncomingMessage struct {
	ChatID   int64     `json:"chat_id"`
	UserID   string    `json:"user_id"`
	Text     string    `json:"text"`
	Received time.Time `json:"received"`
}
