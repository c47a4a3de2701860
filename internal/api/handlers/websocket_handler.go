package handlers

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/isdelr/ender-panel/internal/services"
	ws "github.com/isdelr/ender-panel/internal/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler streams panel events to websocket clients.
type WebSocketHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a new WebSocketHandler. Browsers may connect
// from allowedOrigins; an empty list accepts any origin.
func NewWebSocketHandler(hub *ws.Hub, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}

// Serve upgrades the request and subscribes the client to events for the
// instanceId URL parameter, or to all events when it is absent.
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceId")
	if instanceID != "" {
		if err := services.ValidateInstanceID(instanceID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade websocket connection")
		return
	}

	client := ws.NewClient(h.hub, conn, instanceID)
	if !h.hub.Join(client) {
		conn.Close()
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		client.WritePump()
	}()
	go func() {
		defer wg.Done()
		client.ReadPump(h.handleIncomingWSMessage)
		h.hub.Leave(client)
	}()
	go func() {
		wg.Wait()
		log.Debug().Str("topic", client.InstanceID).Msg("Websocket client finished")
	}()
}

// handleIncomingWSMessage answers pings; the stream is otherwise one-way.
func (h *WebSocketHandler) handleIncomingWSMessage(client *ws.Client, message []byte) {
	var msg ws.Message
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Error().Err(err).Bytes("message", message).Msg("Error decoding websocket message")
		return
	}

	reply := ws.NewErrorMessage("Unknown action: " + msg.Action)
	if msg.Action == "ping" {
		reply = ws.NewMessage("pong", nil)
	} else {
		log.Warn().Str("action", msg.Action).Msg("Unknown websocket action received")
	}
	client.Queue(reply)
}
