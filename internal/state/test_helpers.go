package state

import (
	"path/filepath"
	"testing"

	"github.com/vzahanych/firewatch/internal/logger"
)

// NewTestManager opens a state manager in a temporary directory
func NewTestManager(t *testing.T) *Manager {
	t.Helper()

	mgr, err := NewManager(filepath.Join(t.TempDir(), "db", "firewatch.db"), logger.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}
