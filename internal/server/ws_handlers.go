package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/CK6170/dmplink-go/controller"
)

// upgrader upgrades HTTP requests to WebSockets. Any origin is accepted;
// the side-car is meant to listen on localhost.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWSEvents streams link events. Incoming messages are ignored; the
// read loop only detects disconnects.
func (s *Server) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := s.events.Add(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.events.Remove(client)
			return
		}
	}
}

// handleWSGamepad accepts controller.State JSON messages from one browser
// bridge at a time. The first message connects the controller; closing the
// socket disconnects it, which ends a controller session.
func (s *Server) handleWSGamepad(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "gamepad input not enabled", http.StatusNotFound)
		return
	}
	s.gamepadMu.Lock()
	if s.gamepadActive {
		s.gamepadMu.Unlock()
		http.Error(w, "gamepad already connected", http.StatusConflict)
		return
	}
	s.gamepadActive = true
	s.gamepadMu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.gamepadMu.Lock()
		s.gamepadActive = false
		s.gamepadMu.Unlock()
		return
	}
	defer func() { _ = conn.Close() }()
	s.log.Info().Str("remote", r.RemoteAddr).Msg("gamepad bridge connected")

	connected := false
	for {
		var st controller.State
		if err := conn.ReadJSON(&st); err != nil {
			s.log.Warn().Err(err).Msg("gamepad bridge closed")
			if connected {
				s.store.Disconnect()
			}
			s.gamepadMu.Lock()
			s.gamepadActive = false
			s.gamepadMu.Unlock()
			return
		}
		s.store.Set(st)
		if !connected {
			connected = true
			s.store.Connect()
		}
	}
}
