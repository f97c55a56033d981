package monitor

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/tsos/blegateway/pkg/bluetooth"
)

// Controller is the gateway surface the monitor drives.
type Controller interface {
	State() map[string]interface{}
	AllowPairing() error
	RevokePairing()
}

// Server exposes a websocket that streams gateway events and accepts
// a small set of control commands. It is a debugging and provisioning
// aid, not part of the BLE protocol.
type Server struct {
	addr string
	ctrl Controller

	mtx  sync.Mutex
	conn *websocket.Conn
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// New creates a monitor server listening on addr.
func New(addr string, ctrl Controller) *Server {
	return &Server{addr: addr, ctrl: ctrl}
}

// Start serves the websocket endpoint. Blocks; run in a goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	log.Infof("monitor listening on %s", s.addr)
	return http.ListenAndServe(s.addr, mux)
}

// GatewayEvent implements bluetooth.EventSink by forwarding events to
// the connected websocket client.
func (s *Server) GatewayEvent(evt bluetooth.Event) {
	s.send(evt)
}

func (s *Server) send(v interface{}) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.conn == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Errorf("failed to marshal monitor message: %v", err)
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Errorf("failed to send monitor message: %v", err)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log.Infof("monitor connection from %s", r.RemoteAddr)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("websocket upgrade failed: %v", err)
		return
	}

	s.mtx.Lock()
	s.conn = ws
	s.mtx.Unlock()

	s.sendState()
	s.reader(ws)
}

func (s *Server) sendState() {
	s.send(map[string]interface{}{
		"type":  "state",
		"state": s.ctrl.State(),
	})
}

func (s *Server) reader(conn *websocket.Conn) {
	defer func() {
		s.mtx.Lock()
		s.conn = nil
		s.mtx.Unlock()
		if err := conn.Close(); err != nil {
			log.Debugf("error closing websocket: %v", err)
		}
	}()

	for {
		_, p, err := conn.ReadMessage()
		if err != nil {
			log.Infof("monitor read error: %v", err)
			return
		}
		s.handleCommand(p)
	}
}

func (s *Server) handleCommand(data []byte) {
	var msg struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Errorf("failed to parse monitor command: %v", err)
		return
	}

	switch msg.Command {
	case "getState":
		s.sendState()
	case "allowPairing":
		if err := s.ctrl.AllowPairing(); err != nil {
			s.send(map[string]string{"type": "error", "message": err.Error()})
			return
		}
		s.sendState()
	case "revokePairing":
		s.ctrl.RevokePairing()
		s.sendState()
	default:
		log.Warnf("unknown monitor command: %s", msg.Command)
	}
}
