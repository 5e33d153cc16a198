package agenttransport

import (
	"io"
	"log/slog"
	"os"
	"testing"
)

// newPipe returns a connected reader/writer pair via os.Pipe semantics,
// closed automatically at test cleanup.
func newPipe(t *testing.T) (io.Reader, io.Writer) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})
	return r, w
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
