package bridge

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

// WSHandler serves one upgraded WebSocket connection. The connection is
// closed when the handler returns.
type WSHandler func(conn *websocket.Conn)

// HandleWS registers a WebSocket route. Upgrade requests on path bypass
// the lifecycle pipeline entirely; everything else on path falls through
// to the regular handler.
func (s *Server) HandleWS(path string, h WSHandler) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	s.wsRoutes[path] = h
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is application glue; a CheckOrigin middleware guards
	// the HTTP side before the upgrade is reachable.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// maybeUpgrade performs the WebSocket handshake when the request targets
// a registered route. Reports whether it consumed the request.
func (s *Server) maybeUpgrade(w http.ResponseWriter, r *http.Request) bool {
	if !websocket.IsWebSocketUpgrade(r) {
		return false
	}
	s.wsMu.RLock()
	h, ok := s.wsRoutes[r.URL.Path]
	s.wsMu.RUnlock()
	if !ok {
		return false
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("bridge: websocket upgrade failed: %v", err)
		return true
	}
	go func() {
		defer conn.Close()
		h(conn)
	}()
	return true
}
