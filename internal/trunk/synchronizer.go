package trunk

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"dialcast/internal/audit"
	"dialcast/internal/route"
)

// Reloader asks the PBX to re-read its SIP configuration.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ExecReloader shells out to the PBX CLI.
type ExecReloader struct {
	// Binary defaults to "asterisk".
	Binary string
}

func (r *ExecReloader) Reload(ctx context.Context) error {
	bin := r.Binary
	if bin == "" {
		bin = "asterisk"
	}
	cmd := exec.CommandContext(ctx, bin, "-rx", "pjsip reload")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("trunk: pjsip reload: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

// Synchronizer writes rendered trunk configuration into the PBX include
// directory and reloads only when the bytes actually changed.
type Synchronizer struct {
	confDir  string
	renderer *Renderer
	reloader Reloader
	audit    *audit.Service
	log      *slog.Logger
}

func NewSynchronizer(confDir string, renderer *Renderer, reloader Reloader, aud *audit.Service, log *slog.Logger) *Synchronizer {
	if log == nil {
		log = slog.Default()
	}
	return &Synchronizer{
		confDir:  confDir,
		renderer: renderer,
		reloader: reloader,
		audit:    aud,
		log:      log,
	}
}

func (s *Synchronizer) confPath(trunkID string) string {
	return filepath.Join(s.confDir, "pjsip-trunk-"+trunkID+".conf")
}

// Sync renders a trunk and applies it. Re-syncing an unchanged trunk is
// a no-op: no write, no reload.
func (s *Synchronizer) Sync(ctx context.Context, t route.Trunk) error {
	rendered, err := s.renderer.Render(t)
	if err != nil {
		return err
	}

	path := s.confPath(t.ID)
	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, []byte(rendered)) {
		s.log.Debug("trunk unchanged", "trunk_id", t.ID)
		return nil
	}

	if err := os.MkdirAll(s.confDir, 0o755); err != nil {
		return err
	}
	// Write-then-rename so the PBX never reads a half-written include.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(rendered), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := s.reloader.Reload(ctx); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Event{
		Type:    audit.EventTrunkSynced,
		TrunkID: t.ID,
		Message: "configuration applied",
	})
	s.log.Info("trunk synced", "trunk_id", t.ID, "path", path)
	return nil
}

// Delete removes a trunk's configuration. Deleting an absent trunk is a
// no-op.
func (s *Synchronizer) Delete(ctx context.Context, trunkID string) error {
	path := s.confPath(trunkID)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := s.reloader.Reload(ctx); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Event{
		Type:    audit.EventTrunkRemoved,
		TrunkID: trunkID,
	})
	s.log.Info("trunk removed", "trunk_id", trunkID)
	return nil
}
