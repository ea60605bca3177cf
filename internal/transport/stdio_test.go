package transport

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestStdioSendWritesNewlineDelimited(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdio(strings.NewReader(""), &buf)

	if err := s.Send(context.Background(), []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Send(context.Background(), []byte(`{"b":2}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	want := "{\"a\":1}\n{\"b\":2}\n"
	if buf.String() != want {
		t.Fatalf("buf = %q, want %q", buf.String(), want)
	}
}

func TestStdioReceiveLineByLine(t *testing.T) {
	in := strings.NewReader("{\"a\":1}\n{\"b\":2}\n")
	s := NewStdio(in, &bytes.Buffer{})

	frame, err := s.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(frame) != `{"a":1}` {
		t.Fatalf("frame = %s", frame)
	}

	frame, err = s.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(frame) != `{"b":2}` {
		t.Fatalf("frame = %s", frame)
	}

	if _, err := s.Receive(context.Background()); err != ErrClosed {
		t.Fatalf("Receive at EOF: err = %v, want ErrClosed", err)
	}
}

func TestStdioReceiveTrailingLineWithoutNewline(t *testing.T) {
	in := strings.NewReader(`{"a":1}`)
	s := NewStdio(in, &bytes.Buffer{})

	frame, err := s.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(frame) != `{"a":1}` {
		t.Fatalf("frame = %s", frame)
	}
}
