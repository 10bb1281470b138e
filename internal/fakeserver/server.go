// Package fakeserver is an in-process backend for tests. It serves
//
//   - GET  /realtime  a websocket push endpoint speaking the realtime frame
//     protocol (subscribe, ack, message, error), built on gws
//   - POST /posts     a write endpoint answering with scripted statuses
//   - GET  /health    a reachability endpoint that can be switched off
//
// Failures can be injected: rejected tokens, withheld acknowledgments and
// dropped connections.
package fakeserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/buger/jsonparser"
	"github.com/gorilla/mux"
	"github.com/lxzan/gws"

	"github.com/tidepool-social/syncqueue/pkg/realtime"
)

// Subscription is a subscribe frame received by the server.
type Subscription struct {
	Topic string
	Token string
}

// Response is a scripted answer of the write endpoint.
type Response struct {
	Status int
	Body   string
}

type Server struct {
	srv      *httptest.Server
	upgrader *gws.Upgrader

	mu sync.Mutex
	// conns maps open connections to their acknowledged topic
	conns         map[*gws.Conn]string
	subscriptions []Subscription
	withholdAck   bool
	rejectTokens  map[string]bool
	responses     []Response
	received      [][]byte
	bearers       []string
	offline       bool
}

type handler struct {
	s *Server
}

// New starts a server. Close it when done.
func New() *Server {
	s := &Server{
		conns:        map[*gws.Conn]string{},
		rejectTokens: map[string]bool{},
	}
	s.upgrader = gws.NewUpgrader(&handler{s: s}, &gws.ServerOption{
		PermessageDeflate: gws.PermessageDeflate{Enabled: true},
	})

	r := mux.NewRouter()
	r.HandleFunc("/realtime", s.serveRealtime).Methods(http.MethodGet)
	r.HandleFunc("/posts", s.servePosts).Methods(http.MethodPost)
	r.HandleFunc("/health", s.serveHealth).Methods(http.MethodGet, http.MethodHead)

	s.srv = httptest.NewServer(r)
	return s
}

func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

// URL is the http base URL.
func (s *Server) URL() string {
	return s.srv.URL
}

// RealtimeURL is the ws URL of the push endpoint.
func (s *Server) RealtimeURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/realtime"
}

func (s *Server) PostsURL() string {
	return s.srv.URL + "/posts"
}

func (s *Server) HealthURL() string {
	return s.srv.URL + "/health"
}

// WithholdAck makes the server ignore subsequent subscribe frames.
func (s *Server) WithholdAck(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withholdAck = v
}

// RejectToken answers subscriptions carrying token with an error frame.
func (s *Server) RejectToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectTokens[token] = true
}

// SetOffline makes /health answer 503.
func (s *Server) SetOffline(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = v
}

// Respond queues answers for the next writes. Writes beyond the script get 201.
func (s *Server) Respond(rs ...Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, rs...)
}

// Received returns the bodies of every write received so far.
func (s *Server) Received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.received))
	copy(out, s.received)
	return out
}

// Bearers returns the bearer token of every write, in arrival order. Writes
// without one are recorded as "".
func (s *Server) Bearers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bearers...)
}

func (s *Server) Subscriptions() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Subscription(nil), s.subscriptions...)
}

// Connections returns the number of open websocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Push sends a message frame to every connection subscribed to msg.Topic and
// returns how many received it.
func (s *Server) Push(msg realtime.Message) int {
	frame, err := json.Marshal(struct {
		Type    string          `json:"type"`
		Topic   string          `json:"topic"`
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}{realtime.FrameMessage, msg.Topic, msg.Event, msg.Payload})
	if err != nil {
		panic(err)
	}

	s.mu.Lock()
	targets := make([]*gws.Conn, 0, len(s.conns))
	for c, topic := range s.conns {
		if topic == msg.Topic {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, c := range targets {
		if c.WriteMessage(gws.OpcodeText, frame) == nil {
			n++
		}
	}
	return n
}

// SendError sends an error frame to every connection.
func (s *Server) SendError(message string) {
	s.broadcast(errorFrame(message))
}

// DropConnections closes every websocket connection without a close frame.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*gws.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.NetConn().Close()
	}
}

func (s *Server) broadcast(frame []byte) {
	s.mu.Lock()
	conns := make([]*gws.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.WriteMessage(gws.OpcodeText, frame)
	}
}

func (s *Server) serveRealtime(w http.ResponseWriter, r *http.Request) {
	socket, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		return
	}
	go socket.ReadLoop()
}

func (s *Server) servePosts(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.received = append(s.received, body)
	s.bearers = append(s.bearers, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	res := Response{Status: http.StatusCreated}
	if len(s.responses) > 0 {
		res = s.responses[0]
		s.responses = s.responses[1:]
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Status)
	io.WriteString(w, res.Body)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	offline := s.offline
	s.mu.Unlock()

	if offline {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) OnOpen(socket *gws.Conn) {
	h.s.mu.Lock()
	h.s.conns[socket] = ""
	h.s.mu.Unlock()
}

func (h *handler) OnClose(socket *gws.Conn, err error) {
	h.s.mu.Lock()
	delete(h.s.conns, socket)
	h.s.mu.Unlock()
}

func (h *handler) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
}

func (h *handler) OnPong(socket *gws.Conn, payload []byte) {}

func (h *handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	data := message.Bytes()

	typ, _ := jsonparser.GetString(data, "type")
	if typ != realtime.FrameSubscribe {
		_ = socket.WriteMessage(gws.OpcodeText, errorFrame("unexpected frame "+typ))
		return
	}
	topic, _ := jsonparser.GetString(data, "topic")
	token, _ := jsonparser.GetString(data, "token")

	h.s.mu.Lock()
	h.s.subscriptions = append(h.s.subscriptions, Subscription{Topic: topic, Token: token})
	rejected := h.s.rejectTokens[token]
	withhold := h.s.withholdAck
	if !rejected && !withhold {
		h.s.conns[socket] = topic
	}
	h.s.mu.Unlock()

	switch {
	case rejected:
		_ = socket.WriteMessage(gws.OpcodeText, errorFrame("invalid token"))
	case withhold:
	default:
		ack, _ := json.Marshal(map[string]string{"type": realtime.FrameAck, "topic": topic})
		_ = socket.WriteMessage(gws.OpcodeText, ack)
	}
}

func errorFrame(message string) []byte {
	b, _ := json.Marshal(map[string]string{"type": realtime.FrameError, "message": message})
	return b
}
