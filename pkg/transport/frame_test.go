package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestChunkFraming(t *testing.T) {
	frame := EncodeChunk(0x01020304, []byte("payload"))
	if !bytes.Equal(frame[:4], []byte{1, 2, 3, 4}) {
		t.Fatalf("header = %v, want big-endian id", frame[:4])
	}

	id, data, err := DecodeChunk(frame)
	if err != nil {
		t.Fatal(err)
	}
	if id != 0x01020304 || string(data) != "payload" {
		t.Errorf("DecodeChunk = %d %q", id, data)
	}

	if _, _, err := DecodeChunk([]byte{1, 2}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("expected ErrShortFrame, got %v", err)
	}

	id, data, err = DecodeChunk(EncodeChunk(7, nil))
	if err != nil || id != 7 || len(data) != 0 {
		t.Errorf("empty chunk = %d %v %v", id, data, err)
	}
}

func TestEncodeEvent(t *testing.T) {
	b, err := EncodeEvent("progress", 42)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"event":"progress","data":42}` {
		t.Errorf("EncodeEvent = %s", b)
	}

	b, err = EncodeEvent("connected", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"event":"connected"}` {
		t.Errorf("EncodeEvent without data = %s", b)
	}
}

func TestDecodeText(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		event   string
		wantErr bool
	}{
		{"event with data", `{"event":"file-start","data":{"file_id":1}}`, "file-start", false},
		{"event without data", `{"event":"start-detection"}`, "start-detection", false},
		{"missing event", `{"data":1}`, "", true},
		{"not json", `hello`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := decodeText([]byte(tt.in))
			if (msg.Err != nil) != tt.wantErr {
				t.Fatalf("Err = %v, wantErr %v", msg.Err, tt.wantErr)
			}
			if msg.Event != tt.event {
				t.Errorf("Event = %q, want %q", msg.Event, tt.event)
			}
		})
	}
}

func TestMessageDecode(t *testing.T) {
	msg := decodeText([]byte(`{"event":"upload-manifest","data":{"faces":2,"weights":true}}`))
	var v struct {
		Faces   int  `json:"faces"`
		Weights bool `json:"weights"`
	}
	if err := msg.Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v.Faces != 2 || !v.Weights {
		t.Errorf("decoded = %+v", v)
	}

	empty := Message{Event: "file-start"}
	if err := empty.Decode(&v); err == nil {
		t.Error("expected error for missing payload")
	}

	bad := Message{Event: "file-start", Data: json.RawMessage(`"x"`)}
	if err := bad.Decode(&v); err == nil {
		t.Error("expected error for mismatched payload")
	}
}
