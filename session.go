package collab

import (
	"github.com/golang/glog"
)

type LocalUser struct {
	UserId string
	Name   string
	Color  string
}

type CollabSessionSettings struct {
	DocumentSettings   *DocumentServiceSettings
	PresenceSettings   *PresenceTrackerSettings
	ConnectionSettings *ConnectionManagerSettings

	// probes the session link during reconnection. The default assumes
	// the transport supervises its own link and always succeeds.
	Connect ConnectFunction
}

func DefaultCollabSessionSettings() *CollabSessionSettings {
	return &CollabSessionSettings{
		DocumentSettings:   DefaultDocumentServiceSettings(),
		PresenceSettings:   DefaultPresenceTrackerSettings(),
		ConnectionSettings: DefaultConnectionManagerSettings(),
		Connect: func() error {
			return nil
		},
	}
}

// the collaboration entry point for the editor. Wires the document
// service, the presence tracker, and the connection manager onto one
// transport. Local updates flow through the connection manager's
// send-or-queue decision; inbound frames are routed by kind with
// origin-based echo suppression. No error escapes to the caller.
type CollabSession struct {
	sessionId string
	localUser *LocalUser

	transport Transport

	documents   *DocumentService
	presence    *PresenceTracker
	connections *ConnectionManager

	removeReceive func()
}

func NewCollabSessionWithDefaults(
	clock Clock,
	sessionId string,
	localUser *LocalUser,
	transport Transport,
) *CollabSession {
	return NewCollabSession(clock, sessionId, localUser, transport, DefaultCollabSessionSettings())
}

func NewCollabSession(
	clock Clock,
	sessionId string,
	localUser *LocalUser,
	transport Transport,
	settings *CollabSessionSettings,
) *CollabSession {
	session := &CollabSession{
		sessionId: sessionId,
		localUser: localUser,
		transport: transport,
		documents: NewDocumentService(settings.DocumentSettings),
		presence:  NewPresenceTracker(clock, settings.PresenceSettings),
	}

	broadcast := func(change *PendingChange) error {
		frame := &Frame{
			Kind:      FrameKindUpdate,
			SessionId: sessionId,
			Origin:    session.documents.LocalClientId(),
			FilePath:  change.FilePath,
			Payload:   change.Update,
		}
		return transport.Send(frame)
	}
	session.connections = NewConnectionManager(clock, settings.Connect, broadcast, settings.ConnectionSettings)
	session.connections.SetCollaborationActive(true)

	session.documents.Initialize(sessionId, localUser.Name, &managedTransport{
		session: session,
	})
	session.connections.MarkConnected()

	session.removeReceive = transport.AddReceiveCallback(session.receive)

	session.presence.UpdatePresence(localUser.UserId, &PresenceData{
		Name:  localUser.Name,
		Color: localUser.Color,
	})
	session.sendPresence(PresenceActionJoin, &PresenceData{
		Name:  localUser.Name,
		Color: localUser.Color,
	})

	return session
}

// gates outbound document updates on the connection state. Inbound
// delivery is unchanged.
type managedTransport struct {
	session *CollabSession
}

func (self *managedTransport) Send(frame *Frame) error {
	change := &PendingChange{
		FilePath: frame.FilePath,
		Update:   frame.Payload,
	}
	if !self.session.connections.QueueChange(change) {
		// deferred until the next successful sync
		return nil
	}
	return self.session.transport.Send(frame)
}

func (self *managedTransport) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	return self.session.transport.AddReceiveCallback(receiveCallback)
}

func (self *managedTransport) Close() {
}

// ReceiveFunction
func (self *CollabSession) receive(frame *Frame) {
	if frame.Kind != FrameKindPresence {
		// document updates are handled by the document service
		return
	}
	if frame.SessionId != self.sessionId {
		return
	}
	if frame.Origin == self.documents.LocalClientId() {
		// echo
		return
	}
	self.presence.SyncPresence(frame.Presence)
}

func (self *CollabSession) sendPresence(action PresenceAction, data *PresenceData) {
	frame := &Frame{
		Kind:      FrameKindPresence,
		SessionId: self.sessionId,
		Origin:    self.documents.LocalClientId(),
		Presence: &PresencePayload{
			Action: action,
			UserId: self.localUser.UserId,
			Data:   *data,
		},
	}
	if err := self.transport.Send(frame); err != nil {
		// presence is ephemeral. Dropped payloads are replaced by the
		// next one.
		glog.V(1).Infof("[session]presence send error = %s\n", err)
	}
}

func (self *CollabSession) SessionId() string {
	return self.sessionId
}

func (self *CollabSession) Documents() *DocumentService {
	return self.documents
}

func (self *CollabSession) Presence() *PresenceTracker {
	return self.presence
}

func (self *CollabSession) Connections() *ConnectionManager {
	return self.connections
}

func (self *CollabSession) ApplyLocalEdit(filePath string, newContent string) {
	self.documents.ApplyLocalEdit(filePath, newContent)
}

func (self *CollabSession) ApplyLocalDelta(filePath string, position int, deletedLength int, insertedText string) {
	self.documents.ApplyLocalDelta(filePath, position, deletedLength, insertedText)
}

func (self *CollabSession) GetContent(filePath string) (string, bool) {
	return self.documents.GetContent(filePath)
}

func (self *CollabSession) OnRemoteChange(remoteChangeCallback RemoteChangeFunction) {
	self.documents.OnRemoteChange(remoteChangeCallback)
}

func (self *CollabSession) SetLocalStatus(status PresenceStatus, customStatus string) {
	self.presence.UpdateUserStatus(self.localUser.UserId, status, customStatus)
	self.sendPresence(PresenceActionStatus, &PresenceData{
		Status:       string(status),
		CustomStatus: &customStatus,
	})
}

func (self *CollabSession) SetLocalFile(filePath string, lineNumber int) {
	self.presence.UpdateCurrentFile(self.localUser.UserId, filePath, lineNumber)
	self.sendPresence(PresenceActionFile, &PresenceData{
		CurrentFile: &filePath,
		CurrentLine: &lineNumber,
	})
}

func (self *CollabSession) SetLocalTyping(isTyping bool, filePath string) {
	self.presence.SetTypingStatus(self.localUser.UserId, isTyping, filePath)
	self.sendPresence(PresenceActionTyping, &PresenceData{
		IsTyping:    &isTyping,
		CurrentFile: &filePath,
	})
}

func (self *CollabSession) SetLocalSelection(selection *Selection) {
	self.presence.UpdateSelection(self.localUser.UserId, selection)
	self.sendPresence(PresenceActionSelection, &PresenceData{
		Selection: selection,
	})
}

func (self *CollabSession) SetNetworkOnline(networkOnline bool) {
	self.connections.SetNetworkOnline(networkOnline)
}

func (self *CollabSession) Close() {
	self.sendPresence(PresenceActionLeave, &PresenceData{})

	if self.removeReceive != nil {
		self.removeReceive()
		self.removeReceive = nil
	}
	self.connections.Close()
	self.presence.Close()
	self.documents.Destroy()
}
