// Package hub implements the presence and broadcast hub: it tracks
// connected clients, their group memberships, and multicasts typed
// events to scoped subsets of clients over WebSocket.
package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Dioshy/WikiDesk/internal/entry"
)

// Outbound event names recognized by clients.
const (
	EventConnectionStatus  = "connection_status"
	EventUserConnected     = "user_connected"
	EventUserDisconnected  = "user_disconnected"
	EventEntryUpdated      = "entry_updated"
	EventStatsUpdateNeeded = "stats_update_needed"
	EventSystemMessage     = "system_message"
	EventSyncCompleted     = "sync_completed"
	EventPong              = "pong"
)

// Inbound event names accepted from clients.
const (
	EventEntrySubmitted     = "entry_submitted"
	EventRequestStatsUpdate = "request_stats_update"
	EventSyncRequest        = "sync_request"
	EventPing               = "ping"
	EventAdminBroadcast     = "admin_broadcast"
)

// Event is an outbound broadcast payload.
type Event interface {
	EventName() string
}

// ConnectionStatus is sent to a client right after it connects. It
// carries the pending (unsynced) count so a reconnecting client learns
// its buffered state without relying on replayed broadcasts.
type ConnectionStatus struct {
	Status           string `json:"status"`
	ConnectedClients int    `json:"connected_clients"`
	Role             string `json:"role"`
	PendingCount     int    `json:"pending_count"`
}

func (ConnectionStatus) EventName() string { return EventConnectionStatus }

// UserConnected notifies other clients of a new connection.
type UserConnected struct {
	PrincipalID    string `json:"principal_id"`
	Role           string `json:"role"`
	TotalConnected int    `json:"total_connected"`
}

func (UserConnected) EventName() string { return EventUserConnected }

// UserDisconnected notifies other clients of a departure.
type UserDisconnected struct {
	PrincipalID    string `json:"principal_id"`
	TotalConnected int    `json:"total_connected"`
}

func (UserDisconnected) EventName() string { return EventUserDisconnected }

// EntryUpdated announces a committed entry change.
type EntryUpdated struct {
	Action   string        `json:"action"`
	RemoteID int64         `json:"remote_id,omitempty"`
	Entry    entry.Payload `json:"entry"`
}

func (EntryUpdated) EventName() string { return EventEntryUpdated }

// StatsUpdateNeeded nudges clients to refresh their dashboard stats.
type StatsUpdateNeeded struct{}

func (StatsUpdateNeeded) EventName() string { return EventStatsUpdateNeeded }

// SystemMessage is an operator- or system-originated notification.
type SystemMessage struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (SystemMessage) EventName() string { return EventSystemMessage }

// SyncCompleted reports the outcome of a reconciliation cycle.
type SyncCompleted struct {
	Attempted  int   `json:"attempted"`
	Synced     int   `json:"synced"`
	Failed     int   `json:"failed"`
	DurationMs int64 `json:"duration_ms"`
}

func (SyncCompleted) EventName() string { return EventSyncCompleted }

// Pong answers an application-level ping.
type Pong struct{}

func (Pong) EventName() string { return EventPong }

// envelope is the wire shape of every outbound event.
type envelope struct {
	Event     string `json:"event"`
	Data      Event  `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

func marshalEnvelope(ev Event) ([]byte, error) {
	b, err := json.Marshal(envelope{
		Event:     ev.EventName(),
		Data:      ev,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", ev.EventName(), err)
	}
	return b, nil
}

// InboundMessage is a decoded, validated client message.
type InboundMessage interface {
	inbound()
}

// EntrySubmitted carries a new time entry from a client.
type EntrySubmitted struct {
	Entry entry.Payload `json:"entry"`
}

func (EntrySubmitted) inbound() {}

// RequestStatsUpdate asks for a stats refresh nudge.
type RequestStatsUpdate struct{}

func (RequestStatsUpdate) inbound() {}

// SyncRequest asks for an immediate reconciliation cycle.
type SyncRequest struct{}

func (SyncRequest) inbound() {}

// Ping is the application-level liveness check.
type Ping struct{}

func (Ping) inbound() {}

// AdminBroadcast carries a privileged operator message.
type AdminBroadcast struct {
	Message string `json:"message"`
}

func (AdminBroadcast) inbound() {}

// DecodeInbound validates a raw client frame against the closed set of
// recognized inbound events.
func DecodeInbound(raw []byte) (InboundMessage, error) {
	var frame struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("malformed client frame: %w", err)
	}

	switch frame.Event {
	case EventEntrySubmitted:
		var msg EntrySubmitted
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			return nil, fmt.Errorf("malformed %s data: %w", frame.Event, err)
		}
		if err := msg.Entry.Validate(); err != nil {
			return nil, err
		}
		return msg, nil
	case EventRequestStatsUpdate:
		return RequestStatsUpdate{}, nil
	case EventSyncRequest:
		return SyncRequest{}, nil
	case EventPing:
		return Ping{}, nil
	case EventAdminBroadcast:
		var msg AdminBroadcast
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			return nil, fmt.Errorf("malformed %s data: %w", frame.Event, err)
		}
		if msg.Message == "" {
			return nil, fmt.Errorf("admin_broadcast requires a message")
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("unrecognized client event %q", frame.Event)
	}
}
