package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"
)

var (
	ErrEmptyPrompt  = errors.New("media: prompt has neither text nor url")
	ErrFetchFailed  = errors.New("media: source fetch failed")
	ErrOutsideCache = errors.New("media: asset path escapes cache dir")
)

// Prompt describes the audio a flow node wants played. Exactly one of
// Text (synthesized) or URL (fetched) must be set.
type Prompt struct {
	Text     string `json:"text,omitempty"`
	Voice    string `json:"voice,omitempty"`
	Language string `json:"language,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Asset is a playable file in the local cache.
type Asset struct {
	// Key is the content hash of the prompt.
	Key string

	// Path is the absolute wav path on disk.
	Path string

	// ULawPath is the raw ulaw sibling, so the PBX can pick the codec
	// variant matching the channel without transcoding.
	ULawPath string

	// MediaURI is the playback URI understood by the PBX
	// ("sound:" plus the extensionless path).
	MediaURI string
}

// Synthesizer turns text into audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice, language string) ([]byte, error)
}

// Normalizer converts arbitrary source audio into the 8kHz mono wav the
// PBX expects.
type Normalizer interface {
	Normalize(ctx context.Context, src, dst string) error
}

// Resolver materializes prompts into cached, normalized audio files.
// Resolution is content-addressed: the same prompt always lands on the
// same file, and concurrent first requests for one prompt perform the
// expensive work exactly once.
type Resolver struct {
	cacheDir string
	tts      Synthesizer
	norm     Normalizer
	client   *http.Client
	log      *slog.Logger

	group singleflight.Group
}

func NewResolver(cacheDir string, tts Synthesizer, norm Normalizer, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		cacheDir: cacheDir,
		tts:      tts,
		norm:     norm,
		client:   &http.Client{},
		log:      log,
	}
}

// Resolve returns the cached asset for a prompt, producing it on first
// use. Concurrent callers for the same prompt share one production.
func (r *Resolver) Resolve(ctx context.Context, p Prompt) (Asset, error) {
	key, err := contentKey(p)
	if err != nil {
		return Asset{}, err
	}

	asset, err := r.assetFor(key)
	if err != nil {
		return Asset{}, err
	}
	if cached(asset) {
		return asset, nil
	}

	_, err, _ = r.group.Do(key, func() (interface{}, error) {
		// Another waiter may have produced it while we queued.
		if cached(asset) {
			return nil, nil
		}
		return nil, r.produce(ctx, p, asset)
	})
	if err != nil {
		// Drop the flight so the next caller retries instead of
		// inheriting a stale failure.
		r.group.Forget(key)
		return Asset{}, err
	}
	return asset, nil
}

func (r *Resolver) assetFor(key string) (Asset, error) {
	path := filepath.Join(r.cacheDir, key+".wav")
	clean, err := filepath.Abs(path)
	if err != nil {
		return Asset{}, err
	}
	root, err := filepath.Abs(r.cacheDir)
	if err != nil {
		return Asset{}, err
	}
	if !strings.HasPrefix(clean, root+string(filepath.Separator)) {
		return Asset{}, ErrOutsideCache
	}
	return Asset{
		Key:      key,
		Path:     clean,
		ULawPath: strings.TrimSuffix(clean, ".wav") + ".ulaw",
		MediaURI: "sound:" + strings.TrimSuffix(clean, ".wav"),
	}, nil
}

// cached reports whether both codec variants are already on disk.
func cached(a Asset) bool {
	if _, err := os.Stat(a.Path); err != nil {
		return false
	}
	_, err := os.Stat(a.ULawPath)
	return err == nil
}

func (r *Resolver) produce(ctx context.Context, p Prompt, asset Asset) error {
	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		return err
	}

	raw, err := os.CreateTemp(r.cacheDir, "raw-*")
	if err != nil {
		return err
	}
	rawPath := raw.Name()
	defer os.Remove(rawPath)

	if p.URL != "" {
		err = r.download(ctx, p.URL, raw)
	} else {
		err = r.synthesize(ctx, p, raw)
	}
	if cerr := raw.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	// Normalize into a temp file, then rename so readers only ever see
	// complete assets.
	tmp := asset.Path + ".tmp"
	if err := r.norm.Normalize(ctx, rawPath, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("media: normalize %s: %w", asset.Key, err)
	}
	if err := os.Rename(tmp, asset.Path); err != nil {
		os.Remove(tmp)
		return err
	}

	// Derive the ulaw variant from the normalized wav under the same
	// sound name.
	utmp := asset.ULawPath + ".tmp"
	if err := r.norm.Normalize(ctx, asset.Path, utmp); err != nil {
		os.Remove(utmp)
		return fmt.Errorf("media: ulaw variant %s: %w", asset.Key, err)
	}
	if err := os.Rename(utmp, asset.ULawPath); err != nil {
		os.Remove(utmp)
		return err
	}
	r.log.Info("media asset produced", "key", asset.Key, "path", asset.Path)
	return nil
}

func (r *Resolver) synthesize(ctx context.Context, p Prompt, w io.Writer) error {
	audio, err := r.tts.Synthesize(ctx, p.Text, p.Voice, p.Language)
	if err != nil {
		return fmt.Errorf("media: synthesize: %w", err)
	}
	_, err = w.Write(audio)
	return err
}

func (r *Resolver) download(ctx context.Context, url string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d from %s", ErrFetchFailed, resp.StatusCode, url)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// contentKey hashes the fields that affect the produced audio. Field
// separators prevent cross-field collisions.
func contentKey(p Prompt) (string, error) {
	h := sha256.New()
	switch {
	case p.URL != "":
		fmt.Fprintf(h, "url\x00%s", p.URL)
	case p.Text != "":
		fmt.Fprintf(h, "tts\x00%s\x00%s\x00%s", p.Text, p.Voice, p.Language)
	default:
		return "", ErrEmptyPrompt
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
