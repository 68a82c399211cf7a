package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientAcceptsNumericAndStringChat(t *testing.T) {
	for _, raw := range []string{
		`{"event":"message","data":{"chat":42,"content":"hi"}}`,
		`{"event":"message","data":{"chat":"42","content":"hi"}}`,
	} {
		msg, err := ParseClient([]byte(raw))
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		if msg.Chat != 42 || msg.Content != "hi" {
			t.Fatalf("unexpected message %+v", msg)
		}
	}
}

func TestParseClientRejects(t *testing.T) {
	cases := map[string]error{
		`not json`: ErrInvalidPayload,
		`{"event":"typing","data":{}}`:                                 ErrUnsupportedEvent,
		`{"event":"message","data":{"chat":"abc","content":"hi"}}`:     ErrInvalidPayload,
		`{"event":"message","data":{"chat":{"id":1},"content":"hi"}}`: ErrInvalidPayload,
	}
	for raw, want := range cases {
		if _, err := ParseClient([]byte(raw)); !errors.Is(err, want) {
			t.Fatalf("%s: expected %v, got %v", raw, want, err)
		}
	}
}

func TestFrameEncoding(t *testing.T) {
	data, err := json.Marshal(Chunk(7, "tok"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"event":"response-chunk","data":{"chat":7,"content":"tok"}}` {
		t.Fatalf("unexpected encoding %s", data)
	}
	data, _ = json.Marshal(Error(7, CodeBusy))
	if string(data) != `{"event":"response-error","data":{"chat":7,"error":"busy"}}` {
		t.Fatalf("unexpected encoding %s", data)
	}
}
