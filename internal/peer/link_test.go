package peer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/driftmesh/driftmesh/internal/transport"
	"github.com/driftmesh/driftmesh/internal/wire"
)

type stubCarrier struct {
	mu       sync.Mutex
	sent     []*wire.Envelope
	sendErr  error
	reply    *wire.Envelope
	replyErr error
}

func (c *stubCarrier) ID() string            { return "stub" }
func (c *stubCarrier) PeerActivity() float64 { return 0.5 }

func (c *stubCarrier) Send(env *wire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *stubCarrier) SendAwait(env *wire.Envelope, m transport.Match, timeout time.Duration) (*wire.Envelope, error) {
	if err := c.Send(env); err != nil {
		return nil, err
	}
	if c.replyErr != nil {
		return nil, c.replyErr
	}
	return c.reply, nil
}

func (c *stubCarrier) last(t *testing.T) *wire.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatal("Nothing was sent over the carrier")
	}
	return c.sent[len(c.sent)-1]
}

func TestSendJobAddressesRemote(t *testing.T) {
	carrier := &stubCarrier{}
	l := New("local", "remote", carrier)

	if err := l.SendJob("encoded-job"); err != nil {
		t.Fatalf("SendJob failed: %v", err)
	}
	env := carrier.last(t)
	if env.Kind != wire.KindJob || env.SenderID != "local" || env.ReceiverID != "remote" {
		t.Errorf("Job envelope misaddressed: %+v", env)
	}
	if env.Payload != "encoded-job" {
		t.Errorf("Job payload %q", env.Payload)
	}

	carrier.sendErr = errors.New("socket gone")
	if err := l.SendJob("encoded-job"); err == nil {
		t.Error("Expected carrier failure to propagate")
	}
}

func TestSendKillCarriesBudget(t *testing.T) {
	carrier := &stubCarrier{}
	l := New("local", "remote", carrier)

	if err := l.SendKill("doomed", 2); err != nil {
		t.Fatalf("SendKill failed: %v", err)
	}
	env := carrier.last(t)
	if env.Kind != wire.KindKill || env.ReceiverID != "remote" {
		t.Errorf("Kill envelope misaddressed: %+v", env)
	}
	taskID, relay, err := wire.ParseKill(env.Payload)
	if err != nil || taskID != "doomed" || relay != 2 {
		t.Errorf("Kill payload %s/%d (err %v), want doomed/2", taskID, relay, err)
	}
}

func TestConfirm(t *testing.T) {
	t.Run("Acked", func(t *testing.T) {
		carrier := &stubCarrier{reply: wire.NewEnvelope(wire.KindConnectionConfirmation, "remote", "true")}
		l := New("local", "remote", carrier)
		if !l.Confirm(time.Second) {
			t.Error("Acked probe reported failure")
		}
		env := carrier.last(t)
		if env.Kind != wire.KindConnectionConfirmation || env.ReceiverID != "remote" || env.Payload != "" {
			t.Errorf("Probe envelope malformed: %+v", env)
		}
	})

	t.Run("Refused", func(t *testing.T) {
		carrier := &stubCarrier{reply: wire.NewEnvelope(wire.KindConnectionConfirmation, "remote", "false")}
		l := New("local", "remote", carrier)
		if l.Confirm(time.Second) {
			t.Error("Refused probe reported success")
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		carrier := &stubCarrier{replyErr: errors.New("timed out awaiting reply")}
		l := New("local", "remote", carrier)
		if l.Confirm(time.Second) {
			t.Error("Timed-out probe reported success")
		}
	})
}
