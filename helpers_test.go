package lopata

import (
	"io"
	"log/slog"
	"testing"

	"github.com/lopata-dev/lopata/internal/store"
)

// newTestStore opens a store in a temp directory, closed when the test
// ends.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// newTestTracing builds a tracer writing to the given store.
func newTestTracing(t *testing.T, st *store.Store) *Tracing {
	t.Helper()
	tr := NewTracing(st)
	t.Cleanup(func() { _ = tr.Shutdown(t.Context()) })
	return tr
}

// discardLogger keeps test output clean.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
