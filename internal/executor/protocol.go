package executor

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/seantiz/kiln/internal/model"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Agent→kiln message types on a socket connection.
const (
	MsgTypeAck      = "ack"
	MsgTypeArtifact = "artifact"
	MsgTypeOutcome  = "outcome"
	MsgTypeFailure  = "failure"
	MsgTypeDone     = "done"
)

// Message is the envelope for all agent→kiln frames. The first frame on a
// connection is always an ack; signal frames follow until a done frame.
type Message struct {
	Type     string                `json:"type"`
	Error    string                `json:"error,omitempty"`
	Artifact *model.ArtifactSignal `json:"artifact,omitempty"`
	Outcome  *model.StepOutcome    `json:"outcome,omitempty"`
	Failure  *model.FailureSignal  `json:"failure,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
