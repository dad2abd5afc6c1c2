package dryrun

import (
	"context"
	"errors"
	"testing"
	"time"

	"groupcast/internal/transport"
	"groupcast/pkg/logx"
)

func TestSendRecordsMessages(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), 0)
	ctx := context.Background()

	msgs := []transport.Message{
		{Destination: "G1", Text: "hello"},
		{Destination: "G2", Text: "hello", Attachment: "/tmp/pic.png"},
	}
	for _, m := range msgs {
		if err := s.Send(ctx, m); err != nil {
			t.Fatalf("Send(%s): %v", m.Destination, err)
		}
	}

	sent := s.Sent()
	if len(sent) != 2 {
		t.Fatalf("Sent() has %d messages, want 2", len(sent))
	}
	if sent[0] != msgs[0] || sent[1] != msgs[1] {
		t.Fatalf("Sent() = %+v, want %+v", sent, msgs)
	}

	// The returned slice is a copy; mutating it must not touch history.
	sent[0].Destination = "mutated"
	if got := s.Sent(); got[0].Destination != "G1" {
		t.Fatalf("history mutated through Sent() copy: %+v", got[0])
	}
}

func TestReadyReportsEverythingReachable(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), 0)

	missing, err := s.Ready(context.Background(), []string{"G1", "G2"})
	if err != nil || len(missing) != 0 {
		t.Fatalf("Ready = (%v, %v), want none missing", missing, err)
	}
}

func TestSendDelayRespectsContext(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Send(ctx, transport.Message{Destination: "G1", Text: "x"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Send = %v, want context.Canceled", err)
	}
	if got := s.Sent(); len(got) != 0 {
		t.Fatalf("cancelled send recorded: %+v", got)
	}
}
