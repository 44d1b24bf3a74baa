// Package presence tracks which authenticated connections are live and tells
// every one of them whenever that set changes.
package presence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/4xmen/hamsokhan/internal/logging"
	"github.com/4xmen/hamsokhan/internal/models"
)

// Conn is a registered connection as seen by the registry.
type Conn interface {
	ID() string
	UserID() int64
	Username() string
	// Enqueue queues payload for writing and must not block. It reports
	// false when the payload was dropped.
	Enqueue(payload []byte) bool
}

// Update is the wire form of a presence broadcast.
type Update struct {
	Online []models.OnlineUser `json:"online"`
}

type entry struct {
	conn Conn
	seq  uint64
}

type Registry struct {
	mu    sync.Mutex
	conns map[string]entry
	seq   uint64
	log   logging.Logger
}

func NewRegistry(log logging.Logger) *Registry {
	if log == nil {
		log = logging.Nop()
	}
	return &Registry{
		conns: make(map[string]entry),
		log:   log,
	}
}

// Register adds c (or replaces the connection with the same id) and
// broadcasts the new online set. Both happen under the registry lock so no
// other change can interleave between them.
func (r *Registry) Register(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[c.ID()]
	if !ok {
		r.seq++
		e.seq = r.seq
	}
	e.conn = c
	r.conns[c.ID()] = e

	r.log.Info(context.Background(), "connection registered",
		"conn_id", c.ID(), "user_id", c.UserID(), "online", len(r.conns))
	r.broadcastLocked(r.presenceLocked())
}

// Unregister removes the connection and broadcasts. It reports whether
// anything was removed; unknown ids are a no-op with no broadcast.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	delete(r.conns, connID)

	r.log.Info(context.Background(), "connection unregistered",
		"conn_id", connID, "user_id", e.conn.UserID(), "online", len(r.conns))
	r.broadcastLocked(r.presenceLocked())
	return true
}

// Snapshot returns one entry per registered connection, oldest registration
// first.
func (r *Registry) Snapshot() []models.OnlineUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Broadcast queues payload on every registered connection.
func (r *Registry) Broadcast(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(payload)
}

// ConnectionsOf returns the registered connections bound to userID, oldest
// first.
func (r *Registry) ConnectionsOf(userID int64) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Conn
	for _, e := range r.orderedLocked() {
		if e.conn.UserID() == userID {
			out = append(out, e.conn)
		}
	}
	return out
}

func (r *Registry) IsOnline(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.conns {
		if e.conn.UserID() == userID {
			return true
		}
	}
	return false
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) orderedLocked() []entry {
	out := make([]entry, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *Registry) snapshotLocked() []models.OnlineUser {
	online := make([]models.OnlineUser, 0, len(r.conns))
	for _, e := range r.orderedLocked() {
		online = append(online, models.OnlineUser{UserID: e.conn.UserID(), Username: e.conn.Username()})
	}
	return online
}

func (r *Registry) presenceLocked() []byte {
	payload, err := json.Marshal(Update{Online: r.snapshotLocked()})
	if err != nil {
		r.log.Error(context.Background(), "marshal presence", "error", err)
		return nil
	}
	return payload
}

func (r *Registry) broadcastLocked(payload []byte) {
	if payload == nil {
		return
	}
	for _, e := range r.conns {
		if !e.conn.Enqueue(payload) {
			r.log.Warn(context.Background(), "send buffer full, dropping broadcast",
				"conn_id", e.conn.ID(), "user_id", e.conn.UserID())
		}
	}
}
