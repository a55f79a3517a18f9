package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ChunkHeaderSize is the length of the file id prefix on binary frames.
const ChunkHeaderSize = 4

var ErrShortFrame = errors.New("binary frame shorter than chunk header")

// Envelope is the JSON shape of every text frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is one inbound frame. Text frames carry Event and Data; binary
// frames carry a file chunk. Err is set when a frame could not be decoded.
type Message struct {
	Event  string
	Data   json.RawMessage
	Binary bool
	FileID uint32
	Chunk  []byte
	Err    error
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("event %s has no payload", m.Event)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", m.Event, err)
	}
	return nil
}

// EncodeChunk frames data as a chunk of fileID.
func EncodeChunk(fileID uint32, data []byte) []byte {
	frame := make([]byte, ChunkHeaderSize+len(data))
	binary.BigEndian.PutUint32(frame, fileID)
	copy(frame[ChunkHeaderSize:], data)
	return frame
}

// DecodeChunk splits a binary frame into its file id and payload. The
// payload aliases frame.
func DecodeChunk(frame []byte) (uint32, []byte, error) {
	if len(frame) < ChunkHeaderSize {
		return 0, nil, ErrShortFrame
	}
	return binary.BigEndian.Uint32(frame), frame[ChunkHeaderSize:], nil
}

// EncodeEvent renders an outbound text frame.
func EncodeEvent(event string, data interface{}) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

func decodeText(b []byte) Message {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Message{Err: fmt.Errorf("invalid envelope: %w", err)}
	}
	if env.Event == "" {
		return Message{Err: errors.New("envelope has no event")}
	}
	return Message{Event: env.Event, Data: env.Data}
}

func decodeBinary(b []byte) Message {
	id, chunk, err := DecodeChunk(b)
	if err != nil {
		return Message{Binary: true, Err: err}
	}
	return Message{Binary: true, FileID: id, Chunk: chunk}
}
