package wire

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	body := []byte(`{"kind":"ping"}`)

	for _, kind := range []FrameKind{FrameMsg, FrameQuery} {
		frame, err := EncodeFrame(kind, body, nil)
		if err != nil {
			t.Fatalf("EncodeFrame(%s) failed: %v", kind, err)
		}

		gotKind, gotBody, err := DecodeFrame(frame, nil)
		if err != nil {
			t.Fatalf("DecodeFrame(%s) failed: %v", kind, err)
		}
		if gotKind != kind {
			t.Errorf("Kind mismatch: got %s, want %s", gotKind, kind)
		}
		if !bytes.Equal(gotBody, body) {
			t.Errorf("Body mismatch: got %q, want %q", gotBody, body)
		}
	}
}

func TestFrameEncrypted(t *testing.T) {
	c, err := NewCrypter("frame-password")
	if err != nil {
		t.Fatalf("Failed to create crypter: %v", err)
	}

	body := []byte("0110100101101")
	frame, err := EncodeFrame(FrameQuery, body, c)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	if bytes.Contains(frame, body) {
		t.Error("Encrypted frame contains plaintext body")
	}

	kind, gotBody, err := DecodeFrame(frame, c)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if kind != FrameQuery || !bytes.Equal(gotBody, body) {
		t.Errorf("Round trip mismatch: kind=%s body=%q", kind, gotBody)
	}

	// Without the cipher the body stays opaque.
	if _, raw, err := DecodeFrame(frame, nil); err == nil && bytes.Equal(raw, body) {
		t.Error("Decoding without cipher produced plaintext")
	}
}

func TestFrameMalformed(t *testing.T) {
	t.Run("UnknownKind", func(t *testing.T) {
		if _, err := EncodeFrame(FrameKind("bogus"), nil, nil); err == nil {
			t.Error("Expected error for unknown frame kind")
		}
	})

	t.Run("NoTag", func(t *testing.T) {
		if _, _, err := DecodeFrame([]byte("xxxx\x00\x00\x00\x00"), nil); err == nil {
			t.Error("Expected error for unrecognized tag")
		}
	})

	t.Run("TruncatedLength", func(t *testing.T) {
		if _, _, err := DecodeFrame([]byte("msg\x00"), nil); err == nil {
			t.Error("Expected error for truncated length prefix")
		}
	})

	t.Run("LengthMismatch", func(t *testing.T) {
		frame, _ := EncodeFrame(FrameMsg, []byte("body"), nil)
		if _, _, err := DecodeFrame(frame[:len(frame)-1], nil); err == nil {
			t.Error("Expected error for length mismatch")
		}
	})

	t.Run("Oversize", func(t *testing.T) {
		if _, err := EncodeFrame(FrameMsg, make([]byte, maxFrameBody+1), nil); err == nil {
			t.Error("Expected error for oversize body")
		}
	})
}

func TestFrameEmptyBody(t *testing.T) {
	frame, err := EncodeFrame(FrameMsg, nil, nil)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	kind, body, err := DecodeFrame(frame, nil)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if kind != FrameMsg || len(body) != 0 {
		t.Errorf("Empty body round trip: kind=%s len=%d", kind, len(body))
	}
}
