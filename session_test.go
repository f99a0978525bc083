package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSessionOfflineEditsFlushOnReconnect(t *testing.T) {
	channel := NewLocalChannel()
	clock := newVirtualClock()

	a := NewCollabSessionWithDefaults(clock, "session-1", &LocalUser{
		UserId: "u-alice",
		Name:   "alice",
	}, channel.Open())
	defer a.Close()
	b := NewCollabSessionWithDefaults(clock, "session-1", &LocalUser{
		UserId: "u-bob",
		Name:   "bob",
	}, channel.Open())
	defer b.Close()

	a.SetNetworkOnline(false)
	a.ApplyLocalEdit("main.go", "hello")

	// applied locally, deferred on the wire
	content, _ := a.GetContent("main.go")
	assert.Equal(t, "hello", content)
	assert.Equal(t, 1, a.Connections().PendingChangeCount())
	_, ok := b.GetContent("main.go")
	assert.Equal(t, false, ok)

	a.SetNetworkOnline(true)

	assert.Equal(t, 0, a.Connections().PendingChangeCount())
	assert.Equal(t, ConnectionStateConnected, a.Connections().State())
	content, ok = b.GetContent("main.go")
	assert.Equal(t, true, ok)
	assert.Equal(t, "hello", content)
}

func TestSessionConcurrentInsertsConverge(t *testing.T) {
	channel := NewLocalChannel()
	clock := newVirtualClock()

	a := NewCollabSessionWithDefaults(clock, "session-1", &LocalUser{
		UserId: "u-alice",
		Name:   "alice",
	}, channel.Open())
	defer a.Close()
	b := NewCollabSessionWithDefaults(clock, "session-1", &LocalUser{
		UserId: "u-bob",
		Name:   "bob",
	}, channel.Open())
	defer b.Close()

	// both replicas edit the same empty file while mutually offline
	a.SetNetworkOnline(false)
	b.SetNetworkOnline(false)
	a.ApplyLocalDelta("main.go", 0, 0, "X")
	b.ApplyLocalDelta("main.go", 0, 0, "Y")

	a.SetNetworkOnline(true)
	b.SetNetworkOnline(true)

	contentA, _ := a.GetContent("main.go")
	contentB, _ := b.GetContent("main.go")
	assert.Equal(t, contentA, contentB)
	assert.Equal(t, 2, len(contentA))
}

func TestSessionPresencePropagation(t *testing.T) {
	channel := NewLocalChannel()
	clock := newVirtualClock()

	b := NewCollabSessionWithDefaults(clock, "session-1", &LocalUser{
		UserId: "u-bob",
		Name:   "bob",
	}, channel.Open())
	defer b.Close()

	a := NewCollabSessionWithDefaults(clock, "session-1", &LocalUser{
		UserId: "u-alice",
		Name:   "alice",
		Color:  "#00ff00",
	}, channel.Open())

	// b observed a's join
	user, ok := b.Presence().GetUserPresence("u-alice")
	assert.Equal(t, true, ok)
	assert.Equal(t, "alice", user.Name)
	assert.Equal(t, "#00ff00", user.Color)

	a.SetLocalFile("main.go", 12)
	user, _ = b.Presence().GetUserPresence("u-alice")
	assert.Equal(t, "main.go", user.CurrentFile)
	assert.Equal(t, 12, user.CurrentLine)

	a.SetLocalTyping(true, "main.go")
	user, _ = b.Presence().GetUserPresence("u-alice")
	assert.Equal(t, true, user.IsTyping)

	a.SetLocalStatus(PresenceStatusBusy, "reviewing")
	user, _ = b.Presence().GetUserPresence("u-alice")
	assert.Equal(t, PresenceStatusBusy, user.Status)
	assert.Equal(t, "reviewing", user.CustomStatus)

	a.Close()
	_, ok = b.Presence().GetUserPresence("u-alice")
	assert.Equal(t, false, ok)
}

func TestSessionRemoteChangeCallback(t *testing.T) {
	channel := NewLocalChannel()
	clock := newVirtualClock()

	a := NewCollabSessionWithDefaults(clock, "session-1", &LocalUser{
		UserId: "u-alice",
		Name:   "alice",
	}, channel.Open())
	defer a.Close()
	b := NewCollabSessionWithDefaults(clock, "session-1", &LocalUser{
		UserId: "u-bob",
		Name:   "bob",
	}, channel.Open())
	defer b.Close()

	changes := []string{}
	b.OnRemoteChange(func(filePath string, content string) {
		changes = append(changes, filePath+"="+content)
	})

	a.ApplyLocalEdit("main.go", "package main")
	assert.Equal(t, []string{"main.go=package main"}, changes)

	// b's own edits never fire b's callback
	b.ApplyLocalEdit("main.go", "package main\n")
	assert.Equal(t, 1, len(changes))
}

func TestSessionsIsolatedBySessionId(t *testing.T) {
	channel := NewLocalChannel()
	clock := newVirtualClock()

	a := NewCollabSessionWithDefaults(clock, "session-1", &LocalUser{
		UserId: "u-alice",
		Name:   "alice",
	}, channel.Open())
	defer a.Close()
	other := NewCollabSessionWithDefaults(clock, "session-2", &LocalUser{
		UserId: "u-eve",
		Name:   "eve",
	}, channel.Open())
	defer other.Close()

	a.ApplyLocalEdit("main.go", "hello")

	_, ok := other.GetContent("main.go")
	assert.Equal(t, false, ok)
	_, ok = other.Presence().GetUserPresence("u-alice")
	assert.Equal(t, false, ok)
}
