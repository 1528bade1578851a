package testutil

import (
	"io"
	"log"
	"os"
	"testing"
)

// TestLogger returns a logger prefixed with the test name. Output is
// discarded unless tests run with -v.
func TestLogger(t *testing.T) *log.Logger {
	t.Helper()

	var out io.Writer = io.Discard
	if testing.Verbose() {
		out = os.Stdout
	}
	return log.New(out, "["+t.Name()+"] ", log.Lmicroseconds)
}
