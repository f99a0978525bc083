package collab

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type PresenceEventType string

const (
	PresenceEventUserJoined        PresenceEventType = "userJoined"
	PresenceEventUserUpdated       PresenceEventType = "userUpdated"
	PresenceEventUserLeft          PresenceEventType = "userLeft"
	PresenceEventUserStatusChanged PresenceEventType = "userStatusChanged"
	PresenceEventUserFileChanged   PresenceEventType = "userFileChanged"
)

type PresenceEvent struct {
	Type PresenceEventType
	User PresenceRecord

	// set for PresenceEventUserFileChanged
	PreviousFile string
	// set for PresenceEventUserStatusChanged
	PreviousStatus PresenceStatus
}

type PresenceEventFunction func(event *PresenceEvent)

type PresenceRecord struct {
	UserId       string
	Name         string
	Color        string
	Status       PresenceStatus
	CustomStatus string
	CurrentFile  string
	CurrentLine  int
	IsTyping     bool
	TypingFile   string
	Selection    *Selection
	LastActivity time.Time
	// immutable across updates
	JoinedAt time.Time
}

type PresenceStats struct {
	TotalUsers  int
	ActiveUsers int
	TypingUsers int
	ByStatus    map[PresenceStatus]int
}

type PresenceTrackerSettings struct {
	InactivityTimeout time.Duration
}

func DefaultPresenceTrackerSettings() *PresenceTrackerSettings {
	return &PresenceTrackerSettings{
		InactivityTimeout: 5 * time.Minute,
	}
}

// eventually consistent view of every user's editing context.
// Last write wins per field. The only automatic transition is
// active -> idle after the inactivity timeout; removal is always explicit.
type PresenceTracker struct {
	settings  *PresenceTrackerSettings
	clock     Clock
	scheduler *TaskScheduler

	stateLock sync.Mutex
	// user id -> record
	users map[string]*PresenceRecord

	presenceEventCallbacks *CallbackList[PresenceEventFunction]
}

func NewPresenceTrackerWithDefaults() *PresenceTracker {
	return NewPresenceTracker(SystemClock(), DefaultPresenceTrackerSettings())
}

func NewPresenceTracker(clock Clock, settings *PresenceTrackerSettings) *PresenceTracker {
	return &PresenceTracker{
		settings:               settings,
		clock:                  clock,
		scheduler:              NewTaskScheduler(clock),
		users:                  map[string]*PresenceRecord{},
		presenceEventCallbacks: NewCallbackList[PresenceEventFunction](),
	}
}

func (self *PresenceTracker) AddPresenceEventCallback(presenceEventCallback PresenceEventFunction) func() {
	callbackId := self.presenceEventCallbacks.Add(presenceEventCallback)
	return func() {
		self.presenceEventCallbacks.Remove(callbackId)
	}
}

func (self *PresenceTracker) emit(event *PresenceEvent) {
	for _, presenceEventCallback := range self.presenceEventCallbacks.Get() {
		presenceEventCallback(event)
	}
}

// upsert. JoinedAt is preserved for known users. Resets the inactivity
// timer.
func (self *PresenceTracker) UpdatePresence(userId string, data *PresenceData) {
	self.stateLock.Lock()

	user, ok := self.users[userId]
	if !ok {
		now := self.clock.Now()
		user = &PresenceRecord{
			UserId:   userId,
			Status:   PresenceStatusActive,
			JoinedAt: now,
		}
		self.users[userId] = user
	}
	if data != nil {
		if data.Name != "" {
			user.Name = data.Name
		}
		if data.Color != "" {
			user.Color = data.Color
		}
		if data.Status != "" {
			user.Status = PresenceStatus(data.Status)
		}
		if data.CustomStatus != nil {
			user.CustomStatus = *data.CustomStatus
		}
		if data.CurrentFile != nil {
			user.CurrentFile = *data.CurrentFile
		}
		if data.CurrentLine != nil {
			user.CurrentLine = *data.CurrentLine
		}
		if data.IsTyping != nil {
			user.IsTyping = *data.IsTyping
		}
		if data.Selection != nil {
			selection := *data.Selection
			user.Selection = &selection
		}
	}
	user.LastActivity = self.clock.Now()
	event := &PresenceEvent{
		Type: PresenceEventUserUpdated,
		User: *user,
	}
	if !ok {
		event.Type = PresenceEventUserJoined
	}
	self.stateLock.Unlock()

	self.resetInactivityTimer(userId)
	self.emit(event)
}

// demotion only. Never promotes and never removes.
func (self *PresenceTracker) resetInactivityTimer(userId string) {
	self.scheduler.ScheduleAfter(userId, self.settings.InactivityTimeout, func() {
		self.stateLock.Lock()
		user, ok := self.users[userId]
		if !ok || user.Status != PresenceStatusActive {
			self.stateLock.Unlock()
			return
		}
		previousStatus := user.Status
		user.Status = PresenceStatusIdle
		event := &PresenceEvent{
			Type:           PresenceEventUserStatusChanged,
			User:           *user,
			PreviousStatus: previousStatus,
		}
		self.stateLock.Unlock()

		glog.V(1).Infof("[pres]idle %s\n", userId)
		self.emit(event)
	})
}

func (self *PresenceTracker) ResetInactivityTimer(userId string) {
	self.stateLock.Lock()
	_, ok := self.users[userId]
	self.stateLock.Unlock()
	if !ok {
		return
	}
	self.resetInactivityTimer(userId)
}

func (self *PresenceTracker) UpdateUserStatus(userId string, status PresenceStatus, customStatus string) {
	self.stateLock.Lock()
	user, ok := self.users[userId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	previousStatus := user.Status
	user.Status = status
	user.CustomStatus = customStatus
	event := &PresenceEvent{
		Type:           PresenceEventUserStatusChanged,
		User:           *user,
		PreviousStatus: previousStatus,
	}
	self.stateLock.Unlock()

	self.emit(event)
}

func (self *PresenceTracker) UpdateCurrentFile(userId string, filePath string, lineNumber int) {
	self.stateLock.Lock()
	user, ok := self.users[userId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	previousFile := user.CurrentFile
	user.CurrentFile = filePath
	user.CurrentLine = lineNumber
	event := &PresenceEvent{
		Type:         PresenceEventUserFileChanged,
		User:         *user,
		PreviousFile: previousFile,
	}
	self.stateLock.Unlock()

	self.emit(event)
}

func (self *PresenceTracker) SetTypingStatus(userId string, isTyping bool, filePath string) {
	self.stateLock.Lock()
	user, ok := self.users[userId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	user.IsTyping = isTyping
	if isTyping {
		user.TypingFile = filePath
	} else {
		user.TypingFile = ""
	}
	event := &PresenceEvent{
		Type: PresenceEventUserUpdated,
		User: *user,
	}
	self.stateLock.Unlock()

	self.emit(event)
}

func (self *PresenceTracker) UpdateSelection(userId string, selection *Selection) {
	self.stateLock.Lock()
	user, ok := self.users[userId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	if selection != nil {
		s := *selection
		user.Selection = &s
	} else {
		user.Selection = nil
	}
	event := &PresenceEvent{
		Type: PresenceEventUserUpdated,
		User: *user,
	}
	self.stateLock.Unlock()

	self.emit(event)
}

func (self *PresenceTracker) RemoveUser(userId string) {
	self.stateLock.Lock()
	user, ok := self.users[userId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	delete(self.users, userId)
	event := &PresenceEvent{
		Type: PresenceEventUserLeft,
		User: *user,
	}
	self.stateLock.Unlock()

	self.scheduler.Cancel(userId)
	self.emit(event)
}

func (self *PresenceTracker) GetUserPresence(userId string) (PresenceRecord, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	user, ok := self.users[userId]
	if !ok {
		return PresenceRecord{}, false
	}
	return *user, true
}

func (self *PresenceTracker) GetAllUsers() []PresenceRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	users := make([]PresenceRecord, 0, len(self.users))
	for _, userId := range maps.Keys(self.users) {
		users = append(users, *self.users[userId])
	}
	return users
}

func (self *PresenceTracker) GetUsersInFile(filePath string) []PresenceRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	users := []PresenceRecord{}
	for _, user := range self.users {
		if user.CurrentFile == filePath {
			users = append(users, *user)
		}
	}
	return users
}

func (self *PresenceTracker) GetUsersByStatus(status PresenceStatus) []PresenceRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	users := []PresenceRecord{}
	for _, user := range self.users {
		if user.Status == status {
			users = append(users, *user)
		}
	}
	return users
}

func (self *PresenceTracker) GetActiveUsers() []PresenceRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	users := []PresenceRecord{}
	for _, user := range self.users {
		if user.Status.IsActive() {
			users = append(users, *user)
		}
	}
	return users
}

func (self *PresenceTracker) GetStats() *PresenceStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stats := &PresenceStats{
		TotalUsers: len(self.users),
		ByStatus:   map[PresenceStatus]int{},
	}
	for _, user := range self.users {
		stats.ByStatus[user.Status] += 1
		if user.Status.IsActive() {
			stats.ActiveUsers += 1
		}
		if user.IsTyping {
			stats.TypingUsers += 1
		}
	}
	return stats
}

// dispatches an inbound relay payload. Unknown actions are ignored.
func (self *PresenceTracker) SyncPresence(payload *PresencePayload) {
	if payload == nil || payload.UserId == "" {
		return
	}
	switch payload.Action {
	case PresenceActionJoin, PresenceActionUpdate:
		self.UpdatePresence(payload.UserId, &payload.Data)
	case PresenceActionLeave:
		self.RemoveUser(payload.UserId)
	case PresenceActionStatus:
		customStatus := ""
		if payload.Data.CustomStatus != nil {
			customStatus = *payload.Data.CustomStatus
		}
		self.UpdateUserStatus(payload.UserId, PresenceStatus(payload.Data.Status), customStatus)
	case PresenceActionFile:
		filePath := ""
		if payload.Data.CurrentFile != nil {
			filePath = *payload.Data.CurrentFile
		}
		lineNumber := 0
		if payload.Data.CurrentLine != nil {
			lineNumber = *payload.Data.CurrentLine
		}
		self.UpdateCurrentFile(payload.UserId, filePath, lineNumber)
	case PresenceActionTyping:
		isTyping := false
		if payload.Data.IsTyping != nil {
			isTyping = *payload.Data.IsTyping
		}
		filePath := ""
		if payload.Data.CurrentFile != nil {
			filePath = *payload.Data.CurrentFile
		}
		self.SetTypingStatus(payload.UserId, isTyping, filePath)
	case PresenceActionSelection:
		self.UpdateSelection(payload.UserId, payload.Data.Selection)
	default:
		glog.V(1).Infof("[pres]unknown action %s\n", payload.Action)
	}
}

func (self *PresenceTracker) Close() {
	self.scheduler.Close()
	self.presenceEventCallbacks.Clear()
}
