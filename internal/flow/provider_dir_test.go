package flow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const dirFlowJSON = `{
	"id": "greet",
	"entry": "hello",
	"nodes": [
		{"id": "hello", "type": "play", "prompt": {"text": "hello"}, "next": "bye"},
		{"id": "bye", "type": "hangup"}
	]
}`

func TestDirProviderLoadsFlow(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "greet.json"), []byte(dirFlowJSON), 0o644); err != nil {
		t.Fatalf("write flow: %v", err)
	}

	p := NewDirProvider(dir)
	def, err := p.GetFlow(context.Background(), "greet")
	if err != nil {
		t.Fatalf("GetFlow: %v", err)
	}
	if def.Entry != "hello" {
		t.Fatalf("entry = %q", def.Entry)
	}

	// Unchanged file serves the cached definition.
	again, err := p.GetFlow(context.Background(), "greet")
	if err != nil {
		t.Fatalf("GetFlow cached: %v", err)
	}
	if again != def {
		t.Fatal("expected cached definition instance")
	}
}

func TestDirProviderReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greet.json")
	if err := os.WriteFile(path, []byte(dirFlowJSON), 0o644); err != nil {
		t.Fatalf("write flow: %v", err)
	}

	p := NewDirProvider(dir)
	if _, err := p.GetFlow(context.Background(), "greet"); err != nil {
		t.Fatalf("GetFlow: %v", err)
	}

	updated := `{
		"id": "greet",
		"entry": "bye",
		"nodes": [{"id": "bye", "type": "hangup"}]
	}`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite flow: %v", err)
	}
	// mtime granularity can swallow back-to-back writes.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	def, err := p.GetFlow(context.Background(), "greet")
	if err != nil {
		t.Fatalf("GetFlow after change: %v", err)
	}
	if def.Entry != "bye" {
		t.Fatalf("entry = %q, want reloaded definition", def.Entry)
	}
}

func TestDirProviderRejectsBadIDs(t *testing.T) {
	p := NewDirProvider(t.TempDir())
	for _, id := range []string{"", "../etc/passwd", "a/b", "has space"} {
		if _, err := p.GetFlow(context.Background(), id); !errors.Is(err, ErrFlowNotFound) {
			t.Fatalf("GetFlow(%q) err = %v, want ErrFlowNotFound", id, err)
		}
	}
}

func TestDirProviderMissingFlow(t *testing.T) {
	p := NewDirProvider(t.TempDir())
	if _, err := p.GetFlow(context.Background(), "ghost"); !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("err = %v, want ErrFlowNotFound", err)
	}
}

func TestDirProviderRejectsMismatchedID(t *testing.T) {
	dir := t.TempDir()
	body := `{"id": "other", "entry": "a", "nodes": [{"id": "a", "type": "hangup"}]}`
	if err := os.WriteFile(filepath.Join(dir, "greet.json"), []byte(body), 0o644); err != nil {
		t.Fatalf("write flow: %v", err)
	}
	p := NewDirProvider(dir)
	if _, err := p.GetFlow(context.Background(), "greet"); !errors.Is(err, ErrInvalidFlow) {
		t.Fatalf("err = %v, want ErrInvalidFlow", err)
	}
}
