package filestore

import "testing"

func TestHasPathTraversalBytesRejectsEscapeAttempts(t *testing.T) {
	bad := []string{"../etc/passwd", "a/b.txt", "a\\b.txt", "a..b", "x\x00y"}
	for _, name := range bad {
		if !hasPathTraversalBytes(name) {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}

func TestHasPathTraversalBytesAllowsOrdinaryNames(t *testing.T) {
	good := []string{"out.txt", "plot.png", "report.v2.csv", "data-2024"}
	for _, name := range good {
		if hasPathTraversalBytes(name) {
			t.Errorf("expected %q to be allowed", name)
		}
	}
}
