package transport

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftmesh/driftmesh/internal/wire"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// startMeshServer runs an httptest server that wraps every inbound websocket
// in a TransportLink and publishes it on the returned channel.
func startMeshServer(t *testing.T, opts Options) (*httptest.Server, chan *TransportLink) {
	t.Helper()
	accepted := make(chan *TransportLink, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		tl, err := Accept(ws, opts)
		if err != nil {
			t.Errorf("Accept failed: %v", err)
			return
		}
		accepted <- tl
	}))
	t.Cleanup(srv.Close)
	return srv, accepted
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitConnected(t *testing.T, tl *TransportLink) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for tl.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatal("Link never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// pollInbox waits for a matching envelope to arrive on the link.
func pollInbox(t *testing.T, tl *TransportLink, m Match, timeout time.Duration) *wire.Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if env := tl.inbox.TakeMatch(m); env != nil {
			return env
		}
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLinkQueuesAndFlushesFIFO(t *testing.T) {
	srv, accepted := startMeshServer(t, Options{})

	client, err := Dial(wsURL(srv), Options{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	// Sends issued while the link is still attaching queue up and must be
	// flushed in order.
	for i := 0; i < 3; i++ {
		env := wire.NewEnvelope(wire.KindStringMessage, "client", fmt.Sprintf("m%d", i))
		env.ReceiverID = "rx"
		if err := client.Send(env); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	server := <-accepted
	defer server.Close()

	for i := 0; i < 3; i++ {
		env := pollInbox(t, server, Match{ReceiverID: "rx"}, 5*time.Second)
		if env == nil {
			t.Fatalf("Envelope %d never arrived", i)
		}
		if want := fmt.Sprintf("m%d", i); env.Payload != want {
			t.Errorf("Out of order delivery: got %s, want %s", env.Payload, want)
		}
	}
}

func TestSendAwait(t *testing.T) {
	srv, accepted := startMeshServer(t, Options{})

	client, err := Dial(wsURL(srv), Options{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	go func() {
		server := <-accepted
		defer server.Close()
		req := pollInbox(t, server, Match{Kind: wire.KindConnectionRequest, Payload: "w1"}, 5*time.Second)
		if req == nil {
			return
		}
		reply := wire.NewEnvelope(wire.KindConnectionConfirmation, "w2", "true")
		reply.ReceiverID = req.SenderID
		server.Send(reply)
	}()

	req := wire.NewEnvelope(wire.KindConnectionRequest, "w1", "w1")
	reply, err := client.SendAwait(req, Match{ReceiverID: "w1"}, 5*time.Second)
	if err != nil {
		t.Fatalf("SendAwait failed: %v", err)
	}
	if reply.SenderID != "w2" || reply.Payload != "true" {
		t.Errorf("Unexpected reply: %+v", reply)
	}
}

func TestSendAwaitTimeout(t *testing.T) {
	srv, accepted := startMeshServer(t, Options{})

	client, err := Dial(wsURL(srv), Options{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()
	defer func() { (<-accepted).Close() }()
	waitConnected(t, client)

	req := wire.NewEnvelope(wire.KindConnectionRequest, "w1", "w1")
	if _, err := client.SendAwait(req, Match{ReceiverID: "w1"}, 300*time.Millisecond); err == nil {
		t.Error("Expected timeout error")
	}
}

func TestPingRoundTrip(t *testing.T) {
	srv, accepted := startMeshServer(t, Options{})

	client, err := Dial(wsURL(srv), Options{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()
	waitConnected(t, client)
	server := <-accepted
	defer server.Close()

	rtt := client.Ping(16, 5*time.Second)
	if rtt < 0 {
		t.Fatal("Ping timed out against an echoing peer")
	}
	if client.LastRTT() != rtt {
		t.Errorf("LastRTT %d does not match measurement %d", client.LastRTT(), rtt)
	}
}

func TestPingTimeoutAgainstSilentPeer(t *testing.T) {
	// A peer that upgrades and then discards every frame without echoing.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client, err := Dial(wsURL(srv), Options{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()
	waitConnected(t, client)

	if rtt := client.Ping(16, 300*time.Millisecond); rtt != -1 {
		t.Errorf("Expected -1 from silent peer, got %d", rtt)
	}
}

func TestEncryptedLink(t *testing.T) {
	srv, accepted := startMeshServer(t, Options{Password: "mesh-secret"})

	client, err := Dial(wsURL(srv), Options{Password: "mesh-secret"})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	env := wire.NewEnvelope(wire.KindStringMessage, "client", "over the wire")
	env.ReceiverID = "rx"
	if err := client.Send(env); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	server := <-accepted
	defer server.Close()
	got := pollInbox(t, server, Match{ReceiverID: "rx"}, 5*time.Second)
	if got == nil || got.Payload != "over the wire" {
		t.Fatalf("Encrypted envelope did not round trip: %+v", got)
	}
}

func TestMismatchedPasswordDropsFrames(t *testing.T) {
	srv, accepted := startMeshServer(t, Options{Password: "right"})

	client, err := Dial(wsURL(srv), Options{Password: "wrong"})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()
	waitConnected(t, client)
	server := <-accepted
	defer server.Close()

	env := wire.NewEnvelope(wire.KindStringMessage, "client", "garbled")
	env.ReceiverID = "rx"
	client.Send(env)

	if got := pollInbox(t, server, Match{ReceiverID: "rx"}, 400*time.Millisecond); got != nil {
		t.Errorf("Envelope decoded despite mismatched passwords: %+v", got)
	}
}

func TestSendOnClosedLink(t *testing.T) {
	srv, accepted := startMeshServer(t, Options{})

	client, err := Dial(wsURL(srv), Options{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	waitConnected(t, client)
	defer func() { (<-accepted).Close() }()

	client.Close()
	if err := client.Send(wire.NewEnvelope(wire.KindPing, "c", "x")); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestListenerDispatch(t *testing.T) {
	srv, accepted := startMeshServer(t, Options{})

	client, err := Dial(wsURL(srv), Options{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()
	server := <-accepted
	defer server.Close()

	got := make(chan *wire.Envelope, 1)
	server.AddListener(&captureListener{envelopes: got})

	env := wire.NewEnvelope(wire.KindTask, "client", "sleep|task:=t1|count:=1")
	if err := client.Send(env); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case env := <-got:
		if env.Kind != wire.KindTask {
			t.Errorf("Unexpected kind %s", env.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Listener never fired")
	}
}

type captureListener struct {
	envelopes chan *wire.Envelope
}

func (c *captureListener) OnEnvelope(tl *TransportLink, env *wire.Envelope) {
	select {
	case c.envelopes <- env:
	default:
	}
}
func (c *captureListener) OnConnect(tl *TransportLink)                    {}
func (c *captureListener) OnDisconnect(tl *TransportLink, permanent bool) {}
