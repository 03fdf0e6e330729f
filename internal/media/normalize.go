package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// FFmpegNormalizer shells out to ffmpeg to resample source audio into
// 8kHz mono telephony format. A .ulaw destination produces raw mu-law;
// anything else gets 16-bit wav.
type FFmpegNormalizer struct {
	// Binary defaults to "ffmpeg" on PATH.
	Binary string
}

func (n *FFmpegNormalizer) Normalize(ctx context.Context, src, dst string) error {
	bin := n.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	args := []string{"-y", "-i", src, "-ar", "8000", "-ac", "1"}
	if strings.HasSuffix(dst, ".ulaw") || strings.HasSuffix(dst, ".ulaw.tmp") {
		// ffmpeg does not infer the mulaw muxer from the extension.
		args = append(args, "-f", "mulaw")
	} else {
		args = append(args, "-sample_fmt", "s16")
	}
	args = append(args, dst)

	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(out, 300))
	}
	return nil
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}

// CopyNormalizer passes audio through unchanged; used in tests and for
// sources already in telephony format.
type CopyNormalizer struct{}

func (CopyNormalizer) Normalize(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
