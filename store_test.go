package collab

import (
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSnapshotStoreRoundTrip(t *testing.T) {
	store, err := OpenSnapshotStore(filepath.Join(t.TempDir(), "snapshots.db"))
	assert.Equal(t, nil, err)
	defer store.Close()

	snapshot, err := store.GetSnapshot("main.go")
	assert.Equal(t, nil, err)
	assert.Equal(t, snapshot, nil)

	err = store.SetSnapshot("main.go", []byte{0x01, 0x02})
	assert.Equal(t, nil, err)
	err = store.SetSnapshot("util.go", []byte{0x03})
	assert.Equal(t, nil, err)

	snapshot, err = store.GetSnapshot("main.go")
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte{0x01, 0x02}, snapshot)

	filePaths, err := store.FilePaths()
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(filePaths))

	err = store.RemoveSnapshot("main.go")
	assert.Equal(t, nil, err)
	snapshot, err = store.GetSnapshot("main.go")
	assert.Equal(t, nil, err)
	assert.Equal(t, snapshot, nil)
}

func TestDocumentsRestoreFromSnapshots(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "snapshots.db")
	channel := NewLocalChannel()

	store, err := OpenSnapshotStore(storePath)
	assert.Equal(t, nil, err)

	a := NewDocumentService(&DocumentServiceSettings{Store: store})
	a.Initialize("session-1", "alice", channel.Open())
	a.ApplyLocalEdit("main.go", "package main")
	a.Destroy()
	store.Close()

	// a fresh replica restores the buffer from disk
	store, err = OpenSnapshotStore(storePath)
	assert.Equal(t, nil, err)
	defer store.Close()

	restored := NewDocumentService(&DocumentServiceSettings{Store: store})
	restored.Initialize("session-2", "alice", channel.Open())
	restored.GetOrCreateDocument("main.go")

	content, ok := restored.GetContent("main.go")
	assert.Equal(t, true, ok)
	assert.Equal(t, "package main", content)
}
