/*
 * Package routes wires the node's HTTP surface: the websocket endpoint that
 * accepts inbound mesh links and the JSON status API.
 */
package routes

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/driftmesh/driftmesh/internal/coordinator"
	"github.com/driftmesh/driftmesh/internal/metrics"
	"github.com/driftmesh/driftmesh/internal/transport"
	"github.com/driftmesh/driftmesh/pkg/debug"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  512 * 1024,
	WriteBufferSize: 512 * 1024,
	// Mesh links authenticate through the legacy link cipher, not the
	// HTTP origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler serves the node's HTTP endpoints.
type Handler struct {
	coord        *coordinator.Coordinator
	history      *metrics.History
	linkPassword string
}

// Setup registers the mesh endpoints on the router.
func Setup(r *mux.Router, coord *coordinator.Coordinator, history *metrics.History, linkPassword string) {
	h := &Handler{coord: coord, history: history, linkPassword: linkPassword}

	r.HandleFunc("/ws/mesh", h.serveMesh)
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", h.serveStatus).Methods(http.MethodGet)
	api.HandleFunc("/history", h.serveHistory).Methods(http.MethodGet)
	debug.Info("Configured mesh endpoints: /ws/mesh, /api/status, /api/history")
}

// serveMesh upgrades an inbound connection and hands it to the coordinator
// as a server link.
func (h *Handler) serveMesh(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Warning("Websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	tl, err := transport.Accept(ws, transport.Options{
		Password: h.linkPassword,
		LocalID:  h.coord.ID(),
		Status:   h.coord,
	})
	if err != nil {
		debug.Error("Failed to accept mesh link from %s: %v", r.RemoteAddr, err)
		ws.Close()
		return
	}
	debug.Info("Inbound mesh link from %s", r.RemoteAddr)
	h.coord.AddServer(tl)
}

type statusResponse struct {
	Timestamp time.Time            `json:"timestamp"`
	Node      coordinator.Snapshot `json:"node"`
	Host      metrics.HostSample   `json:"host"`
	Links     []linkStatus         `json:"links"`
}

type linkStatus struct {
	ID         string  `json:"id"`
	Addr       string  `json:"addr"`
	MessagesIn int64   `json:"messages_in"`
	LastRTT    int64   `json:"last_rtt_ms"`
	Rate       float64 `json:"rate"`
	Activity   float64 `json:"peer_activity"`
}

func (h *Handler) serveStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Timestamp: time.Now().UTC(),
		Node:      h.coord.Snapshot(),
		Host:      metrics.SampleHost(),
	}
	for _, tl := range h.coord.Servers() {
		resp.Links = append(resp.Links, linkStatus{
			ID:         tl.ID(),
			Addr:       tl.ResolvedAddr(),
			MessagesIn: tl.MessagesIn(),
			LastRTT:    tl.LastRTT(),
			Rate:       tl.Rate(),
			Activity:   tl.PeerActivity(),
		})
	}
	writeJSON(w, resp)
}

func (h *Handler) serveHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{
		"points":  h.history.Points(),
		"rollups": h.history.Rollups(),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Error("Failed to encode response: %v", err)
	}
}
