package test

import (
	"os"
	"testing"
)

// Integration skips t unless INTEGRATION is set.
// Integration tests start real agent processes, so the instrument-agent binary must be built first.
func Integration(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("skipping integration test, set INTEGRATION=1 to run")
	}
}
