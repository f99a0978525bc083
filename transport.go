package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const TransportBufferSize = 32

// a transport is a fire-and-forget broadcast channel scoped to one
// session. Every frame sent by one member is delivered to all other
// members, tagged with the sender's origin id. Delivery is at-least-once
// with no ordering guarantee; the document service tolerates both.

type ReceiveFunction func(frame *Frame)

type Transport interface {
	Send(frame *Frame) error
	AddReceiveCallback(receiveCallback ReceiveFunction) func()
	Close()
}

// in-memory broadcast hub. Used by tests and by same-process replicas.
type LocalChannel struct {
	stateLock sync.Mutex
	members   map[Id]*localChannelTransport
}

func NewLocalChannel() *LocalChannel {
	return &LocalChannel{
		members: map[Id]*localChannelTransport{},
	}
}

func (self *LocalChannel) Open() Transport {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	memberId := NewId()
	member := &localChannelTransport{
		channel:          self,
		memberId:         memberId,
		receiveCallbacks: NewCallbackList[ReceiveFunction](),
	}
	self.members[memberId] = member
	return member
}

func (self *LocalChannel) broadcast(fromMemberId Id, frame *Frame) {
	self.stateLock.Lock()
	members := make([]*localChannelTransport, 0, len(self.members))
	for memberId, member := range self.members {
		if memberId == fromMemberId {
			continue
		}
		members = append(members, member)
	}
	self.stateLock.Unlock()

	for _, member := range members {
		for _, receiveCallback := range member.receiveCallbacks.Get() {
			receiveCallback(frame)
		}
	}
}

func (self *LocalChannel) remove(memberId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.members, memberId)
}

type localChannelTransport struct {
	channel          *LocalChannel
	memberId         Id
	receiveCallbacks *CallbackList[ReceiveFunction]
}

func (self *localChannelTransport) Send(frame *Frame) error {
	self.channel.broadcast(self.memberId, frame)
	return nil
}

func (self *localChannelTransport) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *localChannelTransport) Close() {
	self.channel.remove(self.memberId)
	self.receiveCallbacks.Clear()
}

type WebsocketTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultWebsocketTransportSettings() *WebsocketTransportSettings {
	return &WebsocketTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// client for the relay hub. Maintains one websocket, authenticates with
// the session token, and resumes after transient drops.
type WebsocketTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	relayUrl string
	auth     *ClientAuth

	settings *WebsocketTransportSettings

	send chan []byte

	receiveCallbacks *CallbackList[ReceiveFunction]
}

func NewWebsocketTransportWithDefaults(
	ctx context.Context,
	relayUrl string,
	auth *ClientAuth,
) *WebsocketTransport {
	return NewWebsocketTransport(ctx, relayUrl, auth, DefaultWebsocketTransportSettings())
}

func NewWebsocketTransport(
	ctx context.Context,
	relayUrl string,
	auth *ClientAuth,
	settings *WebsocketTransportSettings,
) *WebsocketTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WebsocketTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		relayUrl:         relayUrl,
		auth:             auth,
		settings:         settings,
		send:             make(chan []byte, TransportBufferSize),
		receiveCallbacks: NewCallbackList[ReceiveFunction](),
	}
	go transport.run()
	return transport
}

func (self *WebsocketTransport) run() {
	defer self.cancel()

	authBytes, err := json.Marshal(map[string]string{
		"byJwt": self.auth.ByJwt,
	})
	if err != nil {
		return
	}

	for {
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.relayUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if _, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else if !bytes.Equal(authBytes, message) {
				// verify the auth echo
				return nil, fmt.Errorf("auth response error")
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[t]auth error %s = %s\n", self.auth.UserId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.handle(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *WebsocketTransport) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-self.send:
				if !ok {
					return
				}

				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[ts]%s-> error = %s\n", self.auth.UserId, err)
					return
				}
				glog.V(2).Infof("[ts]%s->\n", self.auth.UserId)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[tr]%s<- error = %s\n", self.auth.UserId, err)
			return
		}
		if len(message) == 0 {
			// ping
			glog.V(2).Infof("[tr]ping %s<-\n", self.auth.UserId)
			continue
		}

		frame, err := DecodeFrame(message)
		if err != nil {
			glog.Infof("[tr]%s<- bad frame = %s\n", self.auth.UserId, err)
			continue
		}
		for _, receiveCallback := range self.receiveCallbacks.Get() {
			receiveCallback(frame)
		}
	}
}

func (self *WebsocketTransport) Send(frame *Frame) error {
	frameBytes, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("transport closed")
	case self.send <- frameBytes:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

func (self *WebsocketTransport) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *WebsocketTransport) Close() {
	self.cancel()
}
