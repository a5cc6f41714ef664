package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// sendBufferSize bounds each client's delivery queue. A full queue
// drops the event rather than back-pressuring the publisher.
const sendBufferSize = 64

// AdminGroup is the role group allowed to issue admin broadcasts.
const AdminGroup = "admin"

// PrincipalGroup names the private per-principal group every client is
// joined to on connect.
func PrincipalGroup(principalID string) string {
	return fmt.Sprintf("user_%s", principalID)
}

// Client is one connected client's presence state. Created on connect,
// destroyed on disconnect, never persisted.
type Client struct {
	ID          string
	PrincipalID string
	Groups      []string
	ConnectedAt time.Time

	send chan []byte
	conn *websocket.Conn
}

// Receive exposes the client's delivery queue (pre-marshaled event
// envelopes). The write pump consumes it; tests may drain it directly.
func (c *Client) Receive() <-chan []byte {
	return c.send
}

// InGroup reports whether the client joined the named group.
func (c *Client) InGroup(group string) bool {
	for _, g := range c.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// scopeKind selects the delivery subset of a publish.
type scopeKind int

const (
	scopeAll scopeKind = iota
	scopeGroup
	scopePrincipal
	scopeAllExcept
)

// Scope selects which connected clients receive a published event.
type Scope struct {
	kind      scopeKind
	group     string
	principal string
	except    string
}

// ScopeAll delivers to every connected client.
func ScopeAll() Scope { return Scope{kind: scopeAll} }

// ScopeGroup delivers to members of one group.
func ScopeGroup(group string) Scope { return Scope{kind: scopeGroup, group: group} }

// ScopePrincipal delivers to one principal's private group.
func ScopePrincipal(principalID string) Scope {
	return Scope{kind: scopePrincipal, principal: principalID}
}

// ScopeAllExcept delivers to everyone but the originating client.
func ScopeAllExcept(clientID string) Scope {
	return Scope{kind: scopeAllExcept, except: clientID}
}

// Hub tracks connected clients and their groups and multicasts events.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	groups  map[string]map[string]*Client
	logger  *logrus.Entry
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		groups:  make(map[string]map[string]*Client),
		logger:  logrus.WithField("component", "hub"),
	}
}

// Connect registers a client and joins it to each named group. The
// private principal group is added implicitly. Returns the client and
// the updated total connection count.
func (h *Hub) Connect(clientID, principalID string, groups []string) (*Client, int) {
	client := &Client{
		ID:          clientID,
		PrincipalID: principalID,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, sendBufferSize),
	}

	memberships := append([]string{}, groups...)
	principalGroup := PrincipalGroup(principalID)
	if !contains(memberships, principalGroup) {
		memberships = append(memberships, principalGroup)
	}
	client.Groups = memberships

	h.mu.Lock()
	h.clients[clientID] = client
	for _, g := range memberships {
		if h.groups[g] == nil {
			h.groups[g] = make(map[string]*Client)
		}
		h.groups[g][clientID] = client
	}
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"client_id":    clientID,
		"principal_id": principalID,
		"groups":       memberships,
		"total":        total,
	}).Info("Client connected")

	return client, total
}

// Disconnect removes a client and leaves all its groups. Idempotent:
// disconnect races are expected, an unknown client is a no-op. Returns
// the remaining connection count and whether a client was removed.
func (h *Hub) Disconnect(clientID string) (int, bool) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if !ok {
		total := len(h.clients)
		h.mu.Unlock()
		return total, false
	}

	delete(h.clients, clientID)
	for _, g := range client.Groups {
		delete(h.groups[g], clientID)
		if len(h.groups[g]) == 0 {
			delete(h.groups, g)
		}
	}
	close(client.send)
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"client_id":    clientID,
		"principal_id": client.PrincipalID,
		"total":        total,
	}).Info("Client disconnected")

	return total, true
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish multicasts an event to the scoped subset of clients.
// Delivery is best-effort and fire-and-forget: a client with a full
// buffer misses the event (logged), and nothing is replayed on
// reconnect. Events from a single publisher reach each subscriber in
// publish order.
func (h *Hub) Publish(ev Event, scope Scope) {
	payload, err := marshalEnvelope(ev)
	if err != nil {
		h.logger.WithError(err).Error("Dropping unmarshalable event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	switch scope.kind {
	case scopeAll:
		for _, c := range h.clients {
			h.deliver(c, ev.EventName(), payload)
		}
	case scopeAllExcept:
		for id, c := range h.clients {
			if id == scope.except {
				continue
			}
			h.deliver(c, ev.EventName(), payload)
		}
	case scopeGroup:
		for _, c := range h.groups[scope.group] {
			h.deliver(c, ev.EventName(), payload)
		}
	case scopePrincipal:
		for _, c := range h.groups[PrincipalGroup(scope.principal)] {
			h.deliver(c, ev.EventName(), payload)
		}
	}
}

// SendTo delivers an event to a single client by id. Used for direct
// replies such as pong and connection_status.
func (h *Hub) SendTo(clientID string, ev Event) {
	payload, err := marshalEnvelope(ev)
	if err != nil {
		h.logger.WithError(err).Error("Dropping unmarshalable event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[clientID]; ok {
		h.deliver(c, ev.EventName(), payload)
	}
}

// deliver enqueues a payload without ever blocking the publisher.
// Callers hold h.mu, so the channel cannot be closed concurrently.
func (h *Hub) deliver(c *Client, event string, payload []byte) {
	select {
	case c.send <- payload:
	default:
		h.logger.WithFields(logrus.Fields{
			"client_id": c.ID,
			"event":     event,
		}).Warn("Delivery dropped: client buffer full")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
