package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"github.com/pairpad/collab"
)

const LocalVersion = "0.0.0-local"

const zeroconfService = "_collabrelay._tcp"

func main() {
	usage := `Collab relay. Broadcasts session frames between editor replicas.

Usage:
    collab-relay serve [--port=<port>] --secret=<secret>
        [--postgres_url=<postgres_url>]
        [--advertise]
    collab-relay token --secret=<secret> --session_id=<session_id>
        --user_id=<user_id> [--user_name=<user_name>]
        [--expire=<expire>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    -p --port=<port>               Listen port [default: 8090].
    --secret=<secret>              Session token signing secret.
    --postgres_url=<postgres_url>  Archive updates and replay them to late joiners.
    --advertise                    Advertise the relay on the local network.
    --expire=<expire>              Token lifetime [default: 24h].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LocalVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func token(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	sessionId, _ := opts.String("--session_id")
	userId, _ := opts.String("--user_id")
	userName, _ := opts.String("--user_name")
	expireStr, _ := opts.String("--expire")

	expireTimeout, err := time.ParseDuration(expireStr)
	if err != nil {
		panic(err)
	}

	jwt, err := collab.SignSessionJwt(
		[]byte(secret),
		&collab.SessionJwt{
			SessionId: sessionId,
			UserId:    userId,
			UserName:  userName,
		},
		expireTimeout,
	)
	if err != nil {
		panic(err)
	}
	fmt.Println(jwt)
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	secret, _ := opts.String("--secret")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newHub(cancelCtx, []byte(secret))

	if postgresUrlAny := opts["--postgres_url"]; postgresUrlAny != nil {
		archive, err := collab.OpenUpdateArchive(cancelCtx, postgresUrlAny.(string))
		if err != nil {
			glog.Errorf("[relay]archive error = %s\n", err)
			os.Exit(1)
		}
		defer archive.Close()
		hub.archive = archive
	}

	if advertise_, _ := opts.Bool("--advertise"); advertise_ {
		host, _ := os.Hostname()
		server, err := zeroconf.Register(
			fmt.Sprintf("collab-relay-%s", host),
			zeroconfService,
			"local.",
			port,
			[]string{"txtv=0"},
			nil,
		)
		if err != nil {
			glog.Infof("[relay]zeroconf error = %s\n", err)
		} else {
			defer server.Shutdown()
			glog.Infof("[relay]advertising %s on port %d\n", zeroconfService, port)
		}
	}

	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		hub.serveWs(w, r)
	})

	glog.Infof("[relay]listening on port %d\n", port)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), nil); err != nil {
		glog.Errorf("[relay]serve error = %s\n", err)
		os.Exit(1)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type member struct {
	memberId  string
	sessionId string
	userId    string
	send      chan []byte
}

type hub struct {
	ctx    context.Context
	secret []byte

	archive *collab.UpdateArchive

	stateLock sync.Mutex
	// session id -> member id -> member
	sessions map[string]map[string]*member
}

func newHub(ctx context.Context, secret []byte) *hub {
	return &hub{
		ctx:      ctx,
		secret:   secret,
		sessions: map[string]map[string]*member{},
	}
}

func (self *hub) register(m *member) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	members, ok := self.sessions[m.sessionId]
	if !ok {
		members = map[string]*member{}
		self.sessions[m.sessionId] = members
	}
	members[m.memberId] = m
	glog.Infof("[relay]join %s session=%s (%d members)\n", m.userId, m.sessionId, len(members))
}

func (self *hub) unregister(m *member) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	members, ok := self.sessions[m.sessionId]
	if !ok {
		return
	}
	if _, ok := members[m.memberId]; !ok {
		return
	}
	delete(members, m.memberId)
	close(m.send)
	if len(members) == 0 {
		delete(self.sessions, m.sessionId)
	}
	glog.Infof("[relay]leave %s session=%s (%d members)\n", m.userId, m.sessionId, len(members))
}

func (self *hub) broadcast(fromMemberId string, sessionId string, message []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for memberId, m := range self.sessions[sessionId] {
		if memberId == fromMemberId {
			continue
		}
		select {
		case m.send <- message:
		default:
			// backpressure. Drop rather than block the session.
			glog.Infof("[relay]drop ->%s\n", m.userId)
		}
	}
}

func (self *hub) serveWs(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[relay]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	// the first message authenticates the member. The relay echoes it
	// back verbatim on success.
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, authBytes, err := ws.ReadMessage()
	if err != nil {
		return
	}
	var auth struct {
		ByJwt string `json:"byJwt"`
	}
	if err := json.Unmarshal(authBytes, &auth); err != nil {
		return
	}
	sessionJwt, err := collab.ParseSessionJwt(self.secret, auth.ByJwt)
	if err != nil {
		glog.Infof("[relay]auth error = %s\n", err)
		return
	}
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return
	}

	m := &member{
		memberId:  uuid.NewString(),
		sessionId: sessionJwt.SessionId,
		userId:    sessionJwt.UserId,
		send:      make(chan []byte, 256),
	}
	self.register(m)
	defer self.unregister(m)

	if self.archive != nil {
		err := self.archive.Replay(self.ctx, m.sessionId, func(frame *collab.Frame) error {
			frameBytes, err := collab.EncodeFrame(frame)
			if err != nil {
				return err
			}
			return ws.WriteMessage(websocket.TextMessage, frameBytes)
		})
		if err != nil {
			glog.Infof("[relay]replay error = %s\n", err)
		}
	}

	go self.writePump(ws, m)
	self.readPump(ws, m)
}

func (self *hub) readPump(ws *websocket.Conn, m *member) {
	for {
		ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if len(message) == 0 {
			// ping
			continue
		}

		frame, err := collab.DecodeFrame(message)
		if err != nil {
			glog.Infof("[relay]bad frame from %s = %s\n", m.userId, err)
			continue
		}
		if frame.SessionId != m.sessionId {
			// members may only publish into their own session
			continue
		}

		if self.archive != nil && frame.Kind == collab.FrameKindUpdate {
			if err := self.archive.Append(self.ctx, frame); err != nil {
				glog.Infof("[relay]archive append error = %s\n", err)
			}
		}

		self.broadcast(m.memberId, m.sessionId, message)
	}
}

func (self *hub) writePump(ws *websocket.Conn, m *member) {
	pingTicker := time.NewTicker(15 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-m.send:
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}
