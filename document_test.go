package collab

import (
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

// records outbound frames without delivering them anywhere. Used to
// ferry updates between replicas by hand in arbitrary orders.
type captureTransport struct {
	mutex  sync.Mutex
	frames []*Frame
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{
		frames: []*Frame{},
	}
}

func (self *captureTransport) Send(frame *Frame) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.frames = append(self.frames, frame)
	return nil
}

func (self *captureTransport) Frames() []*Frame {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	frames := make([]*Frame, len(self.frames))
	copy(frames, self.frames)
	return frames
}

func (self *captureTransport) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	return func() {}
}

func (self *captureTransport) Close() {
}

func TestDocumentRelayThroughChannel(t *testing.T) {
	channel := NewLocalChannel()

	a := NewDocumentServiceWithDefaults()
	a.Initialize("session-1", "alice", channel.Open())
	b := NewDocumentServiceWithDefaults()
	b.Initialize("session-1", "bob", channel.Open())

	remoteChanges := []string{}
	b.OnRemoteChange(func(filePath string, content string) {
		remoteChanges = append(remoteChanges, filePath+"="+content)
	})

	a.ApplyLocalEdit("main.go", "hello")

	content, ok := b.GetContent("main.go")
	assert.Equal(t, true, ok)
	assert.Equal(t, "hello", content)
	assert.Equal(t, []string{"main.go=hello"}, remoteChanges)

	// a local edit on b must not fire b's remote change callback
	b.ApplyLocalEdit("main.go", "hello world")
	assert.Equal(t, 1, len(remoteChanges))

	content, ok = a.GetContent("main.go")
	assert.Equal(t, true, ok)
	assert.Equal(t, "hello world", content)
}

func TestDocumentConvergenceAnyOrder(t *testing.T) {
	// two replicas edit the same empty file while isolated, then
	// exchange updates in opposite orders with duplication
	transportA := newCaptureTransport()
	transportB := newCaptureTransport()

	a := NewDocumentServiceWithDefaults()
	a.Initialize("session-1", "alice", transportA)
	b := NewDocumentServiceWithDefaults()
	b.Initialize("session-1", "bob", transportB)

	a.ApplyLocalDelta("main.go", 0, 0, "X")
	b.ApplyLocalDelta("main.go", 0, 0, "Y")

	framesA := transportA.Frames()
	framesB := transportB.Frames()
	assert.Equal(t, 1, len(framesA))
	assert.Equal(t, 1, len(framesB))

	// b applies a's update, then a duplicate of it
	for i := 0; i < 2; i += 1 {
		_, err := b.ApplyRemoteUpdate(framesA[0].FilePath, framesA[0].Payload, framesA[0].Origin)
		assert.Equal(t, nil, err)
	}
	// a applies b's update
	_, err := a.ApplyRemoteUpdate(framesB[0].FilePath, framesB[0].Payload, framesB[0].Origin)
	assert.Equal(t, nil, err)

	contentA, _ := a.GetContent("main.go")
	contentB, _ := b.GetContent("main.go")
	assert.Equal(t, contentA, contentB)
	assert.Equal(t, 2, len(contentA))
}

func TestRemoteUpdateIdempotence(t *testing.T) {
	transportA := newCaptureTransport()
	transportB := newCaptureTransport()

	a := NewDocumentServiceWithDefaults()
	a.Initialize("session-1", "alice", transportA)
	b := NewDocumentServiceWithDefaults()
	b.Initialize("session-1", "bob", transportB)

	a.ApplyLocalEdit("main.go", "hello")
	frames := transportA.Frames()
	assert.Equal(t, 1, len(frames))

	changed, err := b.ApplyRemoteUpdate(frames[0].FilePath, frames[0].Payload, frames[0].Origin)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, changed)

	changed, err = b.ApplyRemoteUpdate(frames[0].FilePath, frames[0].Payload, frames[0].Origin)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, changed)

	content, _ := b.GetContent("main.go")
	assert.Equal(t, "hello", content)
}

func TestEchoSuppression(t *testing.T) {
	transportA := newCaptureTransport()

	a := NewDocumentServiceWithDefaults()
	a.Initialize("session-1", "alice", transportA)

	a.ApplyLocalEdit("main.go", "hello")
	frames := transportA.Frames()
	assert.Equal(t, 1, len(frames))
	assert.Equal(t, a.LocalClientId(), frames[0].Origin)

	// the relay echoed our own update back
	changed, err := a.ApplyRemoteUpdate(frames[0].FilePath, frames[0].Payload, frames[0].Origin)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, changed)

	content, _ := a.GetContent("main.go")
	assert.Equal(t, "hello", content)
}

func TestCorruptUpdateIsolated(t *testing.T) {
	transportA := newCaptureTransport()

	a := NewDocumentServiceWithDefaults()
	a.Initialize("session-1", "alice", transportA)
	a.ApplyLocalEdit("main.go", "hello")

	_, err := a.ApplyRemoteUpdate("main.go", []byte("not an update"), NewId())
	assert.NotEqual(t, err, nil)

	// the document is unchanged and still usable
	content, ok := a.GetContent("main.go")
	assert.Equal(t, true, ok)
	assert.Equal(t, "hello", content)

	a.ApplyLocalEdit("main.go", "hello world")
	content, _ = a.GetContent("main.go")
	assert.Equal(t, "hello world", content)
}

func TestUninitializedDegrades(t *testing.T) {
	a := NewDocumentServiceWithDefaults()

	assert.Equal(t, a.GetOrCreateDocument("main.go"), nil)

	// non-fatal no-ops
	a.ApplyLocalEdit("main.go", "hello")
	a.ApplyLocalDelta("main.go", 0, 0, "h")

	_, ok := a.GetContent("main.go")
	assert.Equal(t, false, ok)
}

func TestInitializeIdempotentPerSession(t *testing.T) {
	channel := NewLocalChannel()

	a := NewDocumentServiceWithDefaults()
	a.Initialize("session-1", "alice", channel.Open())
	clientId := a.LocalClientId()
	a.ApplyLocalEdit("main.go", "hello")

	// same session: no-op
	a.Initialize("session-1", "alice", channel.Open())
	assert.Equal(t, clientId, a.LocalClientId())
	content, _ := a.GetContent("main.go")
	assert.Equal(t, "hello", content)

	// new session: teardown and recreate
	a.Initialize("session-2", "alice", channel.Open())
	assert.NotEqual(t, clientId, a.LocalClientId())
	_, ok := a.GetContent("main.go")
	assert.Equal(t, false, ok)
}

func TestDeltaAndWholeBufferEquivalence(t *testing.T) {
	transportA := newCaptureTransport()
	transportB := newCaptureTransport()

	a := NewDocumentServiceWithDefaults()
	a.Initialize("session-1", "alice", transportA)
	b := NewDocumentServiceWithDefaults()
	b.Initialize("session-1", "bob", transportB)

	// same logical edits through the two paths
	a.ApplyLocalEdit("main.go", "hello")
	a.ApplyLocalEdit("main.go", "hello world")

	b.ApplyLocalDelta("main.go", 0, 0, "hello")
	b.ApplyLocalDelta("main.go", 5, 0, " world")

	contentA, _ := a.GetContent("main.go")
	contentB, _ := b.GetContent("main.go")
	assert.Equal(t, "hello world", contentA)
	assert.Equal(t, "hello world", contentB)
}

func TestDestroySafeToRepeat(t *testing.T) {
	channel := NewLocalChannel()

	a := NewDocumentServiceWithDefaults()
	a.Initialize("session-1", "alice", channel.Open())
	a.ApplyLocalEdit("main.go", "hello")
	assert.Equal(t, 1, a.DocumentCount())

	a.Destroy()
	a.Destroy()

	assert.Equal(t, 0, a.DocumentCount())
	assert.Equal(t, a.GetOrCreateDocument("main.go"), nil)
}
