package utils

import "testing"

func TestSlotScriptsCompile(t *testing.T) {
	// Compile-time smoke test: scripts should be initialized.
	if slotAcquireScript == nil || slotReleaseScript == nil {
		t.Fatalf("expected scripts to be initialized")
	}
}

func TestCallSlotKey(t *testing.T) {
	if got := CallSlotKey("c1"); got != "dialcast:slots:c1" {
		t.Fatalf("unexpected slot key %q", got)
	}
}
