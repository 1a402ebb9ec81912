package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tmpanel/relay/internal/diag"
	"github.com/tmpanel/relay/internal/gbx"
	"github.com/tmpanel/relay/internal/hub"
	"github.com/tmpanel/relay/internal/live"
	"github.com/tmpanel/relay/internal/registry"
)

// Server terminates one websocket stream per dashboard client and exposes
// the small REST surface the console's dashboard polls.
type Server struct {
	hub            *hub.Hub
	reg            *registry.Registry
	auth           Authorizer
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func NewServer(h *hub.Hub, reg *registry.Registry, auth Authorizer, allowedOrigins []string) *Server {
	s := &Server{
		hub:            h,
		reg:            reg,
		auth:           auth,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/", s.handleWS)
	mux.HandleFunc("/api/servers", s.handleServers)
	mux.HandleFunc("/api/health", s.handleHealth)
}

// handleWS is the live-dashboard stream for one server: authorization
// handshake, subscribe, initial snapshot, then the write pump until either
// side goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	serverID, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/ws/"))
	if err != nil || serverID == "" || strings.Contains(serverID, "/") {
		http.Error(w, "bad server id", http.StatusBadRequest)
		return
	}

	scope, ok := s.authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Subscribe before upgrading so handshake failures surface as proper
	// HTTP status codes. Retrying is the client's decision.
	snapshot, sub, err := s.hub.Subscribe(r.Context(), serverID, scope)
	if err != nil {
		status, msg := subscribeError(err)
		http.Error(w, msg, status)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.Unsubscribe(sub)
		log.Printf("ws upgrade error: %v", err)
		return
	}

	log.Printf("[%s] dashboard client connected: %s", serverID, r.RemoteAddr)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		defer conn.Close()
		if err := conn.WriteJSON(live.Update{Type: live.MsgSnapshot, Data: snapshot}); err != nil {
			return
		}
		for u := range sub.C {
			if err := conn.WriteJSON(u); err != nil {
				return
			}
		}
		// Queue closed: subscription ended (client gone, server removed,
		// or shutdown). Tell the client before dropping the socket.
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}()

	// Read loop detects client disconnect; incoming frames carry nothing.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	// Unsubscribe before returning: it closes sub.C, which stops the write
	// pump, so no later delivery references this dead stream.
	s.hub.Unsubscribe(sub)
	conn.Close()
	<-writeDone
	log.Printf("[%s] dashboard client disconnected: %s", serverID, r.RemoteAddr)
}

func subscribeError(err error) (int, string) {
	switch {
	case errors.Is(err, hub.ErrUnauthorized):
		return http.StatusForbidden, "not authorized for server"
	case errors.Is(err, registry.ErrUnknownServer):
		return http.StatusNotFound, "unknown server"
	case errors.Is(err, gbx.ErrAuthFailed):
		return http.StatusBadGateway, "game server rejected credentials"
	case errors.Is(err, gbx.ErrTimeout):
		return http.StatusGatewayTimeout, "game server handshake timed out"
	case errors.Is(err, gbx.ErrUnreachable):
		return http.StatusBadGateway, "game server unreachable"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	statuses := s.reg.Statuses()
	visible := make([]registry.Status, 0, len(statuses))
	for _, st := range statuses {
		if scope.Allows(st.ServerID) {
			visible = append(visible, st)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(visible)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(diag.Collect(s.reg.Statuses()))
}

// authorize extracts the caller's token and resolves their scope.
func (s *Server) authorize(r *http.Request) (hub.Scope, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("X-TMPanel-Token")
	}
	if token == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}

	scope, err := s.auth.Authorize(r.Context(), token)
	if err != nil {
		return nil, false
	}
	return scope, true
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("Relay listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
