package presence

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4xmen/hamsokhan/internal/logging"
	"github.com/4xmen/hamsokhan/internal/models"
)

type fakeConn struct {
	id       string
	userID   int64
	username string
	full     bool

	mu       sync.Mutex
	received [][]byte
}

func (c *fakeConn) ID() string       { return c.id }
func (c *fakeConn) UserID() int64    { return c.userID }
func (c *fakeConn) Username() string { return c.username }

func (c *fakeConn) Enqueue(payload []byte) bool {
	if c.full {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, payload)
	return true
}

func (c *fakeConn) updates(t *testing.T) []Update {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Update, 0, len(c.received))
	for _, raw := range c.received {
		var u Update
		require.NoError(t, json.Unmarshal(raw, &u))
		out = append(out, u)
	}
	return out
}

func (c *fakeConn) last(t *testing.T) Update {
	t.Helper()
	u := c.updates(t)
	require.NotEmpty(t, u)
	return u[len(u)-1]
}

func TestRegisterBroadcastsToEveryone(t *testing.T) {
	r := NewRegistry(logging.Nop())
	alice := &fakeConn{id: "c1", userID: 1, username: "alice"}
	bob := &fakeConn{id: "c2", userID: 2, username: "bob"}

	r.Register(alice)
	assert.Equal(t, []models.OnlineUser{{UserID: 1, Username: "alice"}}, alice.last(t).Online)

	r.Register(bob)
	want := []models.OnlineUser{{UserID: 1, Username: "alice"}, {UserID: 2, Username: "bob"}}
	assert.Equal(t, want, alice.last(t).Online)
	assert.Equal(t, want, bob.last(t).Online)
	assert.Len(t, alice.updates(t), 2)
	assert.Len(t, bob.updates(t), 1)
}

func TestTwoConnectionsOfOneUserBothListed(t *testing.T) {
	r := NewRegistry(logging.Nop())
	laptop := &fakeConn{id: "c1", userID: 1, username: "alice"}
	phone := &fakeConn{id: "c2", userID: 1, username: "alice"}
	r.Register(laptop)
	r.Register(phone)

	snap := r.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, snap[0], snap[1])

	conns := r.ConnectionsOf(1)
	require.Len(t, conns, 2)
	assert.Equal(t, "c1", conns[0].ID())
	assert.Equal(t, "c2", conns[1].ID())
}

func TestUnregister(t *testing.T) {
	r := NewRegistry(logging.Nop())
	alice := &fakeConn{id: "c1", userID: 1, username: "alice"}
	bob := &fakeConn{id: "c2", userID: 2, username: "bob"}
	r.Register(alice)
	r.Register(bob)

	require.True(t, r.Unregister("c2"))
	assert.Equal(t, []models.OnlineUser{{UserID: 1, Username: "alice"}}, alice.last(t).Online)
	assert.False(t, r.IsOnline(2))
	assert.Equal(t, 1, r.Count())

	before := len(alice.updates(t))
	assert.False(t, r.Unregister("c2"))
	assert.False(t, r.Unregister("missing"))
	assert.Len(t, alice.updates(t), before, "no broadcast for unknown id")
}

func TestRegisterSameIDKeepsPosition(t *testing.T) {
	r := NewRegistry(logging.Nop())
	r.Register(&fakeConn{id: "c1", userID: 1, username: "alice"})
	r.Register(&fakeConn{id: "c2", userID: 2, username: "bob"})
	r.Register(&fakeConn{id: "c1", userID: 1, username: "alice"})

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "alice", snap[0].Username)
}

func TestEmptySnapshotEncodesAsArray(t *testing.T) {
	r := NewRegistry(logging.Nop())
	c := &fakeConn{id: "c1", userID: 1, username: "alice"}
	r.Register(c)

	observer := &fakeConn{id: "c2", userID: 2, username: "bob"}
	r.Register(observer)
	r.Unregister("c1")
	r.Unregister("c2")

	assert.NotNil(t, r.Snapshot())
	assert.Empty(t, r.Snapshot())

	raw, err := json.Marshal(Update{Online: r.Snapshot()})
	require.NoError(t, err)
	assert.JSONEq(t, `{"online":[]}`, string(raw))
}

func TestBroadcastSkipsFullConnections(t *testing.T) {
	r := NewRegistry(logging.Nop())
	slow := &fakeConn{id: "c1", userID: 1, username: "alice", full: true}
	fast := &fakeConn{id: "c2", userID: 2, username: "bob"}
	r.Register(slow)
	r.Register(fast)

	r.Broadcast([]byte(`{"online":[]}`))
	assert.Empty(t, slow.updates(t))
	assert.Len(t, fast.updates(t), 2)
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := NewRegistry(logging.Nop())
	observer := &fakeConn{id: "observer", userID: 99, username: "watcher"}
	r.Register(observer)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &fakeConn{id: string(rune('a'+i%26)) + string(rune('A'+i/26)), userID: int64(i + 1), username: "u"}
			r.Register(c)
			r.Unregister(c.ID())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, r.Count())
	// 1 for its own registration, then one per register and unregister.
	assert.Len(t, observer.updates(t), 1+2*50)
	assert.Equal(t, []models.OnlineUser{{UserID: 99, Username: "watcher"}}, observer.last(t).Online)
}
