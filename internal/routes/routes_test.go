package routes

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/driftmesh/driftmesh/internal/coordinator"
	"github.com/driftmesh/driftmesh/internal/metrics"
	"github.com/driftmesh/driftmesh/internal/task"
	"github.com/driftmesh/driftmesh/internal/worker"
)

func startNode(t *testing.T) (*httptest.Server, *coordinator.Coordinator) {
	t.Helper()

	w := worker.New(&task.SleepFactory{}, nil, worker.DefaultTunables(), nil, "")
	t.Cleanup(w.Stop)
	coord, err := coordinator.New([]*worker.Worker{w}, coordinator.Options{})
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}
	t.Cleanup(coord.Stop)

	history, err := metrics.NewHistory(8, "")
	if err != nil {
		t.Fatalf("Failed to create history: %v", err)
	}
	coord.AddActivityListener(history)

	router := mux.NewRouter()
	Setup(router, coord, history, "")
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, coord
}

func TestStatusEndpoint(t *testing.T) {
	srv, coord := startNode(t)

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Status %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type %q", ct)
	}

	var body struct {
		Node coordinator.Snapshot `json:"node"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body.Node.ID != coord.ID() {
		t.Errorf("Node id %s, want %s", body.Node.ID, coord.ID())
	}
	if len(body.Node.Workers) != 1 {
		t.Errorf("Reported %d workers, want 1", len(body.Node.Workers))
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv, _ := startNode(t)

	resp, err := http.Get(srv.URL + "/api/history")
	if err != nil {
		t.Fatalf("GET /api/history failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Status %d, want 200", resp.StatusCode)
	}
}

func TestMeshEndpointAcceptsLinks(t *testing.T) {
	srv, coord := startNode(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/mesh"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Websocket dial failed: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(5 * time.Second)
	for len(coord.Servers()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Inbound link never reached the coordinator")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
