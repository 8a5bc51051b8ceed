package quicoverlay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"

	"github.com/swarmdrop/swarmdrop/internal/overlay"
)

// frameKind tags every envelope this package puts on a QUIC stream: one
// byte, followed by a big-endian uint32 length, followed by that many bytes
// of JSON. One stream carries exactly one request and, except for the
// hello frame on stream 0, exactly one reply.
type frameKind uint8

const (
	frameHello frameKind = iota + 1
	frameAppRequest
	frameAppResponse
	frameRecordPut
	frameRecordGet
	frameRecordGetResult
	frameRecordRemove
	frameAck
)

var errUnexpectedFrame = errors.New("quicoverlay: unexpected frame kind")

// helloFrame is exchanged once per connection, on stream 0, before any
// application traffic: each side identifies itself and offers an ephemeral
// X25519 key signed by its long-term ed25519 identity key.
type helloFrame struct {
	PeerID       string
	AgentVersion string
	IdentityPub  []byte
	EphemeralPub []byte
	Signature    []byte
}

type recordGetResultFrame struct {
	Found  bool
	Record overlay.Record
}

type recordKeyFrame struct {
	Key []byte
}

type ackFrame struct{}

func writeFrame(w io.Writer, kind frameKind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, kind); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readFrame(r io.Reader) (frameKind, []byte, error) {
	var kind frameKind
	if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
		return 0, nil, err
	}
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, err
	}
	return kind, data, nil
}

func readFrameExpect(r io.Reader, want frameKind) ([]byte, error) {
	kind, data, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if kind != want {
		return nil, errUnexpectedFrame
	}
	return data, nil
}
