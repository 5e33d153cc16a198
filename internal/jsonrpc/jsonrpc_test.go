package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	req, err := NewRequest(1, "job.start", map[string]string{"threadId": "t1"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if err := enc.Encode(req); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dec := NewDecoder(&buf)
	got, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.IsRequest() {
		t.Fatalf("expected request frame, got %+v", got)
	}
	if got.Method != "job.start" {
		t.Fatalf("Method = %q", got.Method)
	}
	var params map[string]string
	if err := json.Unmarshal(got.Params, &params); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if params["threadId"] != "t1" {
		t.Fatalf("params = %+v", params)
	}
}

func TestDecodeSkipsBlankLines(t *testing.T) {
	r := strings.NewReader("\n\n{\"jsonrpc\":\"2.0\",\"method\":\"ping\"}\n")
	dec := NewDecoder(r)
	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !msg.IsNotification() {
		t.Fatalf("expected notification, got %+v", msg)
	}
}

func TestDecodeEOF(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""))
	_, err := dec.Decode()
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestDecodeFramingError(t *testing.T) {
	dec := NewDecoder(strings.NewReader("not json\n"))
	_, err := dec.Decode()
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FramingError, got %v (%T)", err, err)
	}
}

func TestDecodeOversizedLine(t *testing.T) {
	huge := strings.Repeat("a", 1024)
	dec := NewDecoderSize(strings.NewReader(huge+"\n"), 16)
	_, err := dec.Decode()
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FramingError for oversized line, got %v", err)
	}
}

func TestNewErrorResponse(t *testing.T) {
	msg := NewErrorResponse(7, -32000, "boom")
	if msg.Error == nil || msg.Error.Code != -32000 {
		t.Fatalf("unexpected error payload: %+v", msg.Error)
	}
	if msg.IsRequest() || msg.IsNotification() {
		t.Fatalf("error response miscategorized: %+v", msg)
	}
}
