package collab

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/automerge/automerge-go"
	"github.com/golang/glog"
)

// actor id for the bootstrap change. Every replica creates the per-file
// document from the same deterministic bootstrap so the root text object
// is shared and concurrent edits merge into one sequence.
const bootstrapActorId = "00"

const documentContentKey = "content"

// called with (filePath, mergedContent) after a remote transaction
// changes a document
type RemoteChangeFunction func(filePath string, content string)

type Document struct {
	filePath string
	doc      *automerge.Doc
	text     *automerge.Text
}

func (self *Document) FilePath() string {
	return self.filePath
}

type DocumentServiceSettings struct {
	// optional per-file snapshot persistence
	Store *SnapshotStore
}

func DefaultDocumentServiceSettings() *DocumentServiceSettings {
	return &DocumentServiceSettings{}
}

// one conflict-free replicated text buffer per open file. Local edits are
// committed as single transactions and broadcast as incremental updates;
// remote updates merge in any order, any number of times.
type DocumentService struct {
	settings *DocumentServiceSettings

	stateLock sync.Mutex

	sessionId     string
	localUserName string
	localClientId Id
	transport     Transport
	removeReceive func()

	// file path -> document
	documents map[string]*Document

	remoteChangeCallback RemoteChangeFunction
}

func NewDocumentServiceWithDefaults() *DocumentService {
	return NewDocumentService(DefaultDocumentServiceSettings())
}

func NewDocumentService(settings *DocumentServiceSettings) *DocumentService {
	return &DocumentService{
		settings:  settings,
		documents: map[string]*Document{},
	}
}

// idempotent for a given session id. A new session id tears down all
// documents and starts over.
func (self *DocumentService) Initialize(sessionId string, localUserName string, transport Transport) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.sessionId == sessionId && self.transport != nil {
		return
	}
	self.teardown()

	self.sessionId = sessionId
	self.localUserName = localUserName
	self.localClientId = NewId()
	self.transport = transport
	self.removeReceive = transport.AddReceiveCallback(self.receive)
	glog.V(1).Infof("[doc]initialize %s client=%s\n", sessionId, self.localClientId)
}

func (self *DocumentService) LocalClientId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.localClientId
}

func (self *DocumentService) initialized() bool {
	return self.transport != nil
}

// returns nil if the service is not initialized. Collaboration being
// unavailable must not break the editor.
func (self *DocumentService) GetOrCreateDocument(filePath string) *Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.getOrCreateDocument(filePath)
}

func (self *DocumentService) getOrCreateDocument(filePath string) *Document {
	if !self.initialized() {
		return nil
	}
	if document, ok := self.documents[filePath]; ok {
		return document
	}

	document, err := self.newDocument(filePath)
	if err != nil {
		glog.Infof("[doc]create %s error = %s\n", filePath, err)
		return nil
	}
	self.documents[filePath] = document
	return document
}

func (self *DocumentService) newDocument(filePath string) (*Document, error) {
	var doc *automerge.Doc

	if self.settings.Store != nil {
		if snapshot, err := self.settings.Store.GetSnapshot(filePath); err != nil {
			glog.Infof("[doc]snapshot load %s error = %s\n", filePath, err)
		} else if snapshot != nil {
			if loaded, err := automerge.Load(snapshot); err != nil {
				glog.Infof("[doc]snapshot decode %s error = %s\n", filePath, err)
			} else {
				doc = loaded
			}
		}
	}

	if doc == nil {
		bootstrapped, err := newBootstrapDocument()
		if err != nil {
			return nil, err
		}
		doc = bootstrapped
	}

	if err := doc.SetActorID(hex.EncodeToString(self.localClientId.Bytes())); err != nil {
		return nil, err
	}

	text, err := documentText(doc)
	if err != nil {
		return nil, err
	}

	// reset the incremental save cursor so the bootstrap change is not
	// re-broadcast with the first local edit
	doc.SaveIncremental()

	return &Document{
		filePath: filePath,
		doc:      doc,
		text:     text,
	}, nil
}

func newBootstrapDocument() (*automerge.Doc, error) {
	doc := automerge.New()
	if err := doc.SetActorID(bootstrapActorId); err != nil {
		return nil, err
	}
	if err := doc.RootMap().Set(documentContentKey, automerge.NewText("")); err != nil {
		return nil, err
	}
	epoch := time.UnixMilli(0)
	if _, err := doc.Commit("bootstrap", automerge.CommitOptions{Time: &epoch}); err != nil {
		return nil, err
	}
	return doc, nil
}

func documentText(doc *automerge.Doc) (*automerge.Text, error) {
	value, err := doc.RootMap().Get(documentContentKey)
	if err != nil {
		return nil, err
	}
	if value.Kind() != automerge.KindText {
		return nil, fmt.Errorf("document has no text content")
	}
	return value.Text(), nil
}

// replaces the document content as one transaction. The whole buffer is
// deleted and reinserted; correctness over efficiency when the caller
// does not know where the edit happened.
func (self *DocumentService) ApplyLocalEdit(filePath string, newContent string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	document := self.getOrCreateDocument(filePath)
	if document == nil {
		return
	}

	current, err := document.text.Get()
	if err != nil {
		glog.Infof("[doc]read %s error = %s\n", filePath, err)
		return
	}
	if current == newContent {
		return
	}

	if n := utf8.RuneCountInString(current); 0 < n {
		if err := document.text.Delete(0, n); err != nil {
			glog.Infof("[doc]edit %s error = %s\n", filePath, err)
			return
		}
	}
	if newContent != "" {
		if err := document.text.Insert(0, newContent); err != nil {
			glog.Infof("[doc]edit %s error = %s\n", filePath, err)
			return
		}
	}

	self.commitAndBroadcast(document)
}

// position-scoped delete+insert. Positions are rune offsets.
func (self *DocumentService) ApplyLocalDelta(filePath string, position int, deletedLength int, insertedText string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	document := self.getOrCreateDocument(filePath)
	if document == nil {
		return
	}

	if 0 < deletedLength {
		if err := document.text.Delete(position, deletedLength); err != nil {
			glog.Infof("[doc]edit %s error = %s\n", filePath, err)
			return
		}
	}
	if insertedText != "" {
		if err := document.text.Insert(position, insertedText); err != nil {
			glog.Infof("[doc]edit %s error = %s\n", filePath, err)
			return
		}
	}

	self.commitAndBroadcast(document)
}

func (self *DocumentService) commitAndBroadcast(document *Document) {
	if _, err := document.doc.Commit("edit"); err != nil {
		glog.Infof("[doc]commit %s error = %s\n", document.filePath, err)
		return
	}

	update := document.doc.SaveIncremental()
	self.persist(document)

	if len(update) == 0 {
		return
	}
	frame := &Frame{
		Kind:      FrameKindUpdate,
		SessionId: self.sessionId,
		Origin:    self.localClientId,
		FilePath:  document.filePath,
		Payload:   update,
	}
	if err := self.transport.Send(frame); err != nil {
		glog.Infof("[doc]send %s error = %s\n", document.filePath, err)
	}
}

func (self *DocumentService) persist(document *Document) {
	if self.settings.Store == nil {
		return
	}
	if err := self.settings.Store.SetSnapshot(document.filePath, document.doc.Save()); err != nil {
		glog.Infof("[doc]snapshot save %s error = %s\n", document.filePath, err)
	}
}

// merges an update produced by another replica. Duplicate updates are
// no-ops; updates from the local replica are not re-applied.
func (self *DocumentService) ApplyRemoteUpdate(filePath string, updateBytes []byte, originClientId Id) (changed bool, err error) {
	var content string

	self.stateLock.Lock()
	changed, content, err = self.applyRemoteUpdate(filePath, updateBytes, originClientId)
	remoteChangeCallback := self.remoteChangeCallback
	self.stateLock.Unlock()

	if changed && remoteChangeCallback != nil {
		remoteChangeCallback(filePath, content)
	}
	return changed, err
}

func (self *DocumentService) applyRemoteUpdate(filePath string, updateBytes []byte, originClientId Id) (bool, string, error) {
	if !self.initialized() {
		return false, "", nil
	}
	if originClientId == self.localClientId {
		// echo
		return false, "", nil
	}

	document := self.getOrCreateDocument(filePath)
	if document == nil {
		return false, "", nil
	}

	before, err := document.text.Get()
	if err != nil {
		return false, "", err
	}

	if err := document.doc.LoadIncremental(updateBytes); err != nil {
		// corrupt update. Isolated to this call, the document is unchanged.
		return false, "", fmt.Errorf("update decode: %w", err)
	}
	// do not re-broadcast merged remote changes with the next local edit
	document.doc.SaveIncremental()

	// loading can resolve the root text to a merged object
	text, err := documentText(document.doc)
	if err != nil {
		return false, "", err
	}
	document.text = text

	after, err := document.text.Get()
	if err != nil {
		return false, "", err
	}

	self.persist(document)

	return before != after, after, nil
}

func (self *DocumentService) GetContent(filePath string) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.initialized() {
		return "", false
	}
	document, ok := self.documents[filePath]
	if !ok {
		return "", false
	}
	content, err := document.text.Get()
	if err != nil {
		glog.Infof("[doc]read %s error = %s\n", filePath, err)
		return "", false
	}
	return content, true
}

func (self *DocumentService) DocumentCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.documents)
}

// exactly one subscriber. Registering again replaces the previous one.
func (self *DocumentService) OnRemoteChange(remoteChangeCallback RemoteChangeFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.remoteChangeCallback = remoteChangeCallback
}

// ReceiveFunction
func (self *DocumentService) receive(frame *Frame) {
	if frame.Kind != FrameKindUpdate {
		return
	}

	self.stateLock.Lock()
	sessionId := self.sessionId
	self.stateLock.Unlock()
	if frame.SessionId != sessionId {
		return
	}

	if _, err := self.ApplyRemoteUpdate(frame.FilePath, frame.Payload, frame.Origin); err != nil {
		glog.Infof("[doc]apply %s error = %s\n", frame.FilePath, err)
	}
}

// safe to call multiple times. Subsequent operations behave as if the
// service was never initialized.
func (self *DocumentService) Destroy() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.teardown()
}

func (self *DocumentService) teardown() {
	if self.removeReceive != nil {
		self.removeReceive()
		self.removeReceive = nil
	}
	self.transport = nil
	self.sessionId = ""
	self.localUserName = ""
	self.documents = map[string]*Document{}
	self.remoteChangeCallback = nil
}
