package testutil

import (
	"path/filepath"
	"testing"

	"github.com/roach88/scenebridge/internal/store"
)

// OpenStore opens a store in t's temp dir on clock c and closes it at
// cleanup. A nil clock means a fresh Clock at Epoch.
func OpenStore(t testing.TB, c *Clock) *store.Store {
	t.Helper()
	if c == nil {
		c = NewClock(Epoch)
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "scenebridge.db"), store.WithClock(c.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
