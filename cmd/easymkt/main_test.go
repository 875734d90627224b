package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type stubStopper struct {
	err      error
	deadline bool
}

func (s *stubStopper) Stop(ctx context.Context) error {
	_, s.deadline = ctx.Deadline()
	return s.err
}

func TestStopRecorder_LogsError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	r := &stubStopper{err: context.DeadlineExceeded}

	stopRecorder(r, time.Second, logger)

	if !r.deadline {
		t.Error("Stop called without a deadline")
	}
	out := buf.String()
	if !strings.Contains(out, "stop recorder") || !strings.Contains(out, "deadline exceeded") {
		t.Errorf("log = %q, want the stop error", out)
	}
}

func TestStopRecorder_QuietOnSuccess(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	stopRecorder(&stubStopper{}, time.Second, logger)

	if buf.Len() != 0 {
		t.Errorf("log = %q, want nothing", buf.String())
	}
}
