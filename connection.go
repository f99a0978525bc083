package collab

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
)

const reconnectTaskKey = "reconnect"

// a queued local edit awaiting transmission. Owned exclusively by the
// connection manager once queued.
type PendingChange struct {
	Id             Id
	FilePath       string
	Content        string
	Delta          *Delta
	Update         []byte
	CursorPosition int
	Timestamp      time.Time
}

type Delta struct {
	Position      int
	DeletedLength int
	InsertedText  string
}

// sends one pending change to the relay
type BroadcastFunction func(change *PendingChange) error

// attempts to re-establish the session connection
type ConnectFunction func() error

type ConnectionStateChangeFunction func(state ConnectionState)

type ConnectionManagerSettings struct {
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
}

func DefaultConnectionManagerSettings() *ConnectionManagerSettings {
	return &ConnectionManagerSettings{
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   1000 * time.Millisecond,
	}
}

// owns the connectivity state machine and the pending change queue.
// Edits produced while not connected are deferred, never discarded.
type ConnectionManager struct {
	settings  *ConnectionManagerSettings
	scheduler *TaskScheduler

	broadcast BroadcastFunction
	connect   ConnectFunction

	stateLock           sync.Mutex
	state               ConnectionState
	networkOnline       bool
	collaborationActive bool
	reconnectAttempts   int
	reconnectDelay      *backoff.ExponentialBackOff
	syncing             bool
	// fifo by enqueue order
	pendingChanges []*PendingChange

	stateChangeCallbacks *CallbackList[ConnectionStateChangeFunction]
}

func NewConnectionManagerWithDefaults(
	clock Clock,
	connect ConnectFunction,
	broadcast BroadcastFunction,
) *ConnectionManager {
	return NewConnectionManager(clock, connect, broadcast, DefaultConnectionManagerSettings())
}

func NewConnectionManager(
	clock Clock,
	connect ConnectFunction,
	broadcast BroadcastFunction,
	settings *ConnectionManagerSettings,
) *ConnectionManager {
	reconnectDelay := backoff.NewExponentialBackOff()
	reconnectDelay.InitialInterval = settings.ReconnectBaseDelay
	reconnectDelay.RandomizationFactor = 0
	reconnectDelay.Multiplier = 2
	reconnectDelay.MaxInterval = settings.ReconnectBaseDelay << uint(settings.MaxReconnectAttempts)
	reconnectDelay.MaxElapsedTime = 0
	reconnectDelay.Reset()

	return &ConnectionManager{
		settings:             settings,
		scheduler:            NewTaskScheduler(clock),
		broadcast:            broadcast,
		connect:              connect,
		state:                ConnectionStateDisconnected,
		networkOnline:        true,
		reconnectDelay:       reconnectDelay,
		pendingChanges:       []*PendingChange{},
		stateChangeCallbacks: NewCallbackList[ConnectionStateChangeFunction](),
	}
}

func (self *ConnectionManager) AddStateChangeCallback(stateChangeCallback ConnectionStateChangeFunction) func() {
	callbackId := self.stateChangeCallbacks.Add(stateChangeCallback)
	return func() {
		self.stateChangeCallbacks.Remove(callbackId)
	}
}

func (self *ConnectionManager) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *ConnectionManager) setState(state ConnectionState) {
	self.stateLock.Lock()
	changed := self.state != state
	self.state = state
	self.stateLock.Unlock()

	if changed {
		glog.V(1).Infof("[conn]state = %s\n", state)
		for _, stateChangeCallback := range self.stateChangeCallbacks.Get() {
			stateChangeCallback(state)
		}
	}
}

func (self *ConnectionManager) SetCollaborationActive(collaborationActive bool) {
	self.stateLock.Lock()
	self.collaborationActive = collaborationActive
	self.stateLock.Unlock()
}

// network offline forces the offline state regardless of prior state.
// Network online triggers a reconnect when collaboration is active.
func (self *ConnectionManager) SetNetworkOnline(networkOnline bool) {
	self.stateLock.Lock()
	self.networkOnline = networkOnline
	collaborationActive := self.collaborationActive
	self.stateLock.Unlock()

	if !networkOnline {
		self.scheduler.Cancel(reconnectTaskKey)
		self.setState(ConnectionStateOffline)
		return
	}
	if collaborationActive {
		self.Reconnect()
	}
}

// marks the session established. Resets the attempt counter and the
// backoff schedule.
func (self *ConnectionManager) MarkConnected() {
	self.stateLock.Lock()
	self.reconnectAttempts = 0
	self.reconnectDelay.Reset()
	self.stateLock.Unlock()

	self.setState(ConnectionStateConnected)
}

func (self *ConnectionManager) Reconnect() {
	self.stateLock.Lock()
	if !self.networkOnline || !self.collaborationActive {
		self.stateLock.Unlock()
		return
	}
	if self.settings.MaxReconnectAttempts <= self.reconnectAttempts {
		self.stateLock.Unlock()
		glog.Infof("[conn]reconnect attempts exhausted\n")
		self.setState(ConnectionStateError)
		return
	}
	self.reconnectAttempts += 1
	attempt := self.reconnectAttempts
	self.stateLock.Unlock()

	self.setState(ConnectionStateReconnecting)
	glog.V(1).Infof("[conn]reconnect attempt %d\n", attempt)

	if err := self.connect(); err != nil {
		self.stateLock.Lock()
		delay := self.reconnectDelay.NextBackOff()
		self.stateLock.Unlock()

		glog.V(1).Infof("[conn]reconnect attempt %d error = %s, retry in %s\n", attempt, err, delay)
		self.scheduler.ScheduleAfter(reconnectTaskKey, delay, self.Reconnect)
		return
	}

	self.MarkConnected()
	self.SyncPendingChanges()
}

// allows an explicit user-triggered retry out of the terminal error state
func (self *ConnectionManager) ResetReconnectAttempts() {
	self.stateLock.Lock()
	self.reconnectAttempts = 0
	self.reconnectDelay.Reset()
	self.stateLock.Unlock()
}

// returns true when the caller may send immediately. Otherwise a tagged
// copy of the change is queued and false is returned.
func (self *ConnectionManager) QueueChange(change *PendingChange) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.networkOnline && self.state == ConnectionStateConnected {
		return true
	}

	queued := *change
	queued.Id = NewId()
	queued.Timestamp = time.Now()
	self.pendingChanges = append(self.pendingChanges, &queued)
	glog.V(1).Infof("[conn]queue %s (%d pending)\n", queued.FilePath, len(self.pendingChanges))
	return false
}

func (self *ConnectionManager) PendingChangeCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.pendingChanges)
}

// replays queued changes in enqueue order. On any send failure the
// remaining queue is retained for a future retry and the state becomes
// error. At most one replay runs at a time; reentrant calls are no-ops.
func (self *ConnectionManager) SyncPendingChanges() {
	self.stateLock.Lock()
	if self.syncing || len(self.pendingChanges) == 0 {
		self.stateLock.Unlock()
		return
	}
	self.syncing = true
	pendingChanges := self.pendingChanges
	self.stateLock.Unlock()

	self.setState(ConnectionStateSyncing)

	for i, change := range pendingChanges {
		if err := self.broadcast(change); err != nil {
			glog.Infof("[conn]sync %d/%d error = %s\n", i+1, len(pendingChanges), err)
			self.stateLock.Lock()
			self.syncing = false
			self.stateLock.Unlock()
			self.setState(ConnectionStateError)
			return
		}
		glog.V(2).Infof("[conn]sync %d/%d\n", i+1, len(pendingChanges))
	}

	self.stateLock.Lock()
	self.pendingChanges = self.pendingChanges[len(pendingChanges):]
	self.syncing = false
	self.stateLock.Unlock()
	self.setState(ConnectionStateConnected)
}

func (self *ConnectionManager) ClearPendingChanges() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.pendingChanges = []*PendingChange{}
}

// cancels any armed reconnect timer. No new timers after close.
func (self *ConnectionManager) Close() {
	self.scheduler.Close()
	self.stateChangeCallbacks.Clear()
}
