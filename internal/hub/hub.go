// Package hub fans keyer events out to control clients.
package hub

import (
	"fmt"
	"strings"
	"sync"

	"github.com/kstaniek/spider-keyer-server/internal/event"
	"github.com/kstaniek/spider-keyer-server/internal/logging"
	"github.com/kstaniek/spider-keyer-server/internal/metrics"
)

// DefaultOutBufSize is the per-client queue length when OutBufSize is unset.
const DefaultOutBufSize = 256

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota // drop the event for the slow client only
	PolicyKick                           // disconnect the slow client
)

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// ParsePolicy maps "drop" or "kick" to a policy.
func ParsePolicy(s string) (BackpressurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	}
	return PolicyDrop, fmt.Errorf("invalid hub policy %q (want drop|kick)", s)
}

type Client struct {
	Out       chan event.Event
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient allocates a client with an outbound queue of n events.
func NewClient(n int) *Client {
	if n <= 0 {
		n = DefaultOutBufSize
	}
	return &Client{Out: make(chan event.Event, n), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// NewClient allocates a client sized by the hub's OutBufSize.
func (h *Hub) NewClient() *Client { return NewClient(h.OutBufSize) }

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) { h.TryAdd(c, 0) }

// TryAdd registers c unless the hub already holds max clients. The check and the
// insert happen under one lock; max <= 0 means unlimited.
func (h *Hub) TryAdd(c *Client, max int) bool {
	h.mu.Lock()
	prev := len(h.clients)
	if max > 0 && prev >= max {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("clients_first_connected")
	}
	return true
}

// Remove unregisters a client and updates metrics; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Broadcast sends ev to all connected clients honoring the backpressure policy.
func (h *Hub) Broadcast(ev event.Event) {
	clients := h.Snapshot()
	metrics.SetBroadcastFanout(len(clients))
	if len(clients) > 0 {
		max, sum := 0, 0
		for _, c := range clients {
			l := len(c.Out)
			if l > max {
				max = l
			}
			sum += l
		}
		metrics.SetQueueDepth(max, sum/len(clients))
	}
	for _, c := range clients {
		h.Send(c, ev)
	}
}

// Send queues ev for one client only (greetings, request replies). It reports
// whether the event was queued.
func (h *Hub) Send(c *Client, ev event.Event) bool {
	select {
	case <-c.Closed:
		return false
	default:
	}
	select {
	case c.Out <- ev:
		return true
	default:
	}
	if h.Policy == PolicyKick {
		metrics.IncHubKick()
		c.Close() // writer exits; server removes the client on disconnect
	} else {
		metrics.IncHubDrop()
	}
	return false
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
