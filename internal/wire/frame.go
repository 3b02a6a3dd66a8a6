package wire

import (
	"encoding/binary"
	"fmt"
)

// FrameKind is the short ASCII tag leading every frame.
type FrameKind string

const (
	// FrameMsg carries a serialized Envelope.
	FrameMsg FrameKind = "msg"
	// FrameQuery carries a raw ping payload, echoed verbatim by the peer.
	FrameQuery FrameKind = "query"
)

const maxFrameBody = 512 * 1024 // matches the transport read limit

// EncodeFrame assembles tag | uint32 length | body. When a crypter is
// provided the body is encrypted first; the length prefix covers the
// encrypted body.
func EncodeFrame(kind FrameKind, body []byte, crypter *Crypter) ([]byte, error) {
	if kind != FrameMsg && kind != FrameQuery {
		return nil, fmt.Errorf("unknown frame kind %q", kind)
	}
	if crypter != nil {
		body = crypter.Encrypt(body)
	}
	if len(body) > maxFrameBody {
		return nil, fmt.Errorf("frame body of %d bytes exceeds limit", len(body))
	}

	frame := make([]byte, 0, len(kind)+4+len(body))
	frame = append(frame, kind...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(body)))
	frame = append(frame, body...)
	return frame, nil
}

// DecodeFrame splits a frame back into its kind and body, decrypting when a
// crypter is provided.
func DecodeFrame(frame []byte, crypter *Crypter) (FrameKind, []byte, error) {
	kind, rest, err := splitTag(frame)
	if err != nil {
		return "", nil, err
	}
	if len(rest) < 4 {
		return "", nil, fmt.Errorf("frame truncated before length prefix")
	}
	n := binary.BigEndian.Uint32(rest[:4])
	body := rest[4:]
	if uint32(len(body)) != n {
		return "", nil, fmt.Errorf("frame length mismatch: header %d, body %d", n, len(body))
	}
	if crypter != nil {
		body, err = crypter.Decrypt(body)
		if err != nil {
			return "", nil, fmt.Errorf("failed to decrypt frame body: %w", err)
		}
	}
	return kind, body, nil
}

func splitTag(frame []byte) (FrameKind, []byte, error) {
	for _, kind := range []FrameKind{FrameQuery, FrameMsg} {
		tag := []byte(kind)
		if len(frame) >= len(tag) && string(frame[:len(tag)]) == string(kind) {
			return kind, frame[len(tag):], nil
		}
	}
	return "", nil, fmt.Errorf("frame has no recognized tag")
}
