package sessions

import (
	"sync"

	"github.com/agentdeck/agentdeck/log"
)

// Client is one attached viewer. Output is pushed to Send by Publish;
// the owning transport (WebSocket handler, test) drains it.
type Client struct {
	Send chan []byte
}

// NewClient creates a viewer with a buffered send channel
func NewClient(buffer int) *Client {
	return &Client{Send: make(chan []byte, buffer)}
}

// Registry is the in-memory map of live session handles and their viewers.
// It is the single source of truth for "is this session running right now";
// nothing in it survives a restart (that is the reconciler's problem).
type Registry struct {
	mu          sync.RWMutex
	live        map[string]*Live
	subscribers map[string]map[*Client]bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		live:        make(map[string]*Live),
		subscribers: make(map[string]map[*Client]bool),
	}
}

// Register adds a live handle under its session ID
func (r *Registry) Register(handle *Live) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[handle.ID] = handle
}

// Get returns the live handle for id, or nil
func (r *Registry) Get(id string) *Live {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live[id]
}

// Remove drops the handle and closes every attached viewer so their
// write pumps terminate. Removing an absent ID is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.live, id)

	for client := range r.subscribers[id] {
		close(client.Send)
	}
	delete(r.subscribers, id)
}

// IDs returns the set of currently registered session IDs
func (r *Registry) IDs() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make(map[string]struct{}, len(r.live))
	for id := range r.live {
		ids[id] = struct{}{}
	}
	return ids
}

// Len returns the number of live handles
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// AddSubscriber attaches a viewer to a session. A viewer attached
// mid-stream only sees output published after this call; full history
// lives in the persistence layer.
func (r *Registry) AddSubscriber(id string, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subscribers[id]
	if !ok {
		set = make(map[*Client]bool)
		r.subscribers[id] = set
	}
	set[client] = true
}

// RemoveSubscriber detaches a viewer and closes its channel
func (r *Registry) RemoveSubscriber(id string, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.subscribers[id]; ok && set[client] {
		delete(set, client)
		close(client.Send)
	}
}

// SubscriberCount returns the number of viewers attached to a session
func (r *Registry) SubscriberCount(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers[id])
}

// Publish fans a chunk out to every viewer of the session, in attach
// order per viewer. A viewer whose channel is full is skipped; a viewer
// whose channel is already closed is dropped. Neither case disturbs
// delivery to the remaining viewers or blocks the publisher.
func (r *Registry) Publish(id string, chunk []byte) {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.subscribers[id]))
	for client := range r.subscribers[id] {
		targets = append(targets, client)
	}
	r.mu.RUnlock()

	var broken []*Client
	for _, client := range targets {
		if !deliver(client, chunk) {
			broken = append(broken, client)
		}
	}

	if len(broken) == 0 {
		return
	}

	r.mu.Lock()
	for _, client := range broken {
		if set, ok := r.subscribers[id]; ok && set[client] {
			delete(set, client)
		}
	}
	r.mu.Unlock()

	log.Debug().Str("sessionId", id).Int("dropped", len(broken)).Msg("dropped dead subscribers during publish")
}

// deliver pushes a chunk to one viewer. Returns false if the viewer's
// channel is closed; a send on a closed channel panics, which is the only
// way to detect a viewer torn down concurrently with a publish.
func deliver(client *Client, chunk []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case client.Send <- chunk:
	default:
		// viewer is slow: skip this chunk rather than block the publisher
	}
	return true
}
