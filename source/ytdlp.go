package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/tubedrop/media"
)

// DefaultBinary is the yt-dlp executable looked up on PATH when none is configured.
const DefaultBinary = "yt-dlp"

// YtDLP drives the yt-dlp binary for both probing and fetching.
type YtDLP struct {
	Binary           string
	ExtractorRetries int
	ProbeTimeout     time.Duration
	FetchTimeout     time.Duration
}

func (y *YtDLP) binary() string {
	if y.Binary != "" {
		return y.Binary
	}
	return DefaultBinary
}

// Available reports whether the binary can be resolved.
func (y *YtDLP) Available() bool {
	_, err := exec.LookPath(y.binary())
	return err == nil
}

// ytdlpFormat is the subset of a yt-dlp -J format entry we read.
type ytdlpFormat struct {
	FormatID       string   `json:"format_id"`
	Ext            string   `json:"ext"`
	VCodec         string   `json:"vcodec"`
	ACodec         string   `json:"acodec"`
	Height         *int     `json:"height"`
	ABR            *float64 `json:"abr"`
	Filesize       *int64   `json:"filesize"`
	FilesizeApprox *int64   `json:"filesize_approx"`
}

type ytdlpInfo struct {
	ID      string        `json:"id"`
	Title   string        `json:"title"`
	Formats []ytdlpFormat `json:"formats"`
}

// Probe runs `yt-dlp -J` and converts the reported formats to renditions.
func (y *YtDLP) Probe(ctx context.Context, url string) ([]media.Rendition, error) {
	if y.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, y.ProbeTimeout)
		defer cancel()
	}
	args := []string{"-J", "--no-playlist", "--no-warnings"}
	if y.ExtractorRetries > 0 {
		args = append(args, "--extractor-retries", strconv.Itoa(y.ExtractorRetries))
	}
	args = append(args, url)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, y.binary(), args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, commandError("probe", ctx, err, stderr.String())
	}
	return parseProbeOutput(stdout.Bytes())
}

func parseProbeOutput(data []byte) ([]media.Rendition, error) {
	var info ytdlpInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode yt-dlp json: %w", err)
	}
	out := make([]media.Rendition, 0, len(info.Formats))
	for _, f := range info.Formats {
		r := media.Rendition{
			ID:       f.FormatID,
			HasVideo: hasCodec(f.VCodec),
			HasAudio: hasCodec(f.ACodec),
		}
		if !r.HasVideo && !r.HasAudio {
			// storyboards and similar image tracks
			continue
		}
		if r.HasVideo && f.Height != nil && *f.Height > 0 {
			r.Height = f.Height
		}
		if r.HasAudio && f.ABR != nil && *f.ABR > 0 {
			r.AvgAudioBitrate = f.ABR
		}
		switch {
		case f.Filesize != nil && *f.Filesize > 0:
			r.ApproxSize = f.Filesize
		case f.FilesizeApprox != nil && *f.FilesizeApprox > 0:
			r.ApproxSize = f.FilesizeApprox
		}
		out = append(out, r)
	}
	return out, nil
}

func hasCodec(codec string) bool {
	return codec != "" && codec != "none"
}

// Fetch downloads spec.URL with the requested format into spec.OutputBase
// plus an extension chosen by yt-dlp (mp4 after merge/remux) and returns the
// final path. On error every file sharing the output base is removed.
func (y *YtDLP) Fetch(ctx context.Context, spec FetchSpec) (string, error) {
	if y.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, y.FetchTimeout)
		defer cancel()
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, y.binary(), fetchArgs(spec)...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		RemoveArtifacts(spec.OutputBase)
		return "", commandError("fetch", ctx, err, stderr.String())
	}
	path, err := locateOutput(spec.OutputBase)
	if err != nil {
		RemoveArtifacts(spec.OutputBase)
		return "", err
	}
	return path, nil
}

func fetchArgs(spec FetchSpec) []string {
	args := []string{
		"-f", spec.Format,
		"--no-playlist",
		"--no-part",
		"--no-continue",
		"--no-warnings",
		"--merge-output-format", "mp4",
		"--remux-video", "mp4",
		// attempts are counted by the orchestrator, not by yt-dlp
		"--retries", "0",
		"--fragment-retries", strconv.Itoa(spec.FragmentRetries),
		"-o", spec.OutputBase + ".%(ext)s",
		spec.URL,
	}
	return args
}

// locateOutput finds the artifact yt-dlp wrote for base, preferring mp4.
func locateOutput(base string) (string, error) {
	matches, err := filepath.Glob(globEscape(base) + ".*")
	if err != nil {
		return "", fmt.Errorf("glob output: %w", err)
	}
	var fallback string
	for _, m := range matches {
		if isTransient(m) {
			continue
		}
		if strings.EqualFold(filepath.Ext(m), ".mp4") {
			return m, nil
		}
		if fallback == "" {
			fallback = m
		}
	}
	if fallback == "" {
		return "", fmt.Errorf("yt-dlp reported success but no output for %s", filepath.Base(base))
	}
	return fallback, nil
}

func isTransient(path string) bool {
	for _, suffix := range []string{".part", ".ytdl", ".temp", ".tmp"} {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// RemoveArtifacts deletes every file starting with base followed by a dot.
func RemoveArtifacts(base string) {
	matches, err := filepath.Glob(globEscape(base) + ".*")
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("remove partial artifact", slog.String("path", m), slog.Any("err", err))
		}
	}
}

func globEscape(path string) string {
	r := strings.NewReplacer("*", `\*`, "?", `\?`, "[", `\[`)
	return r.Replace(path)
}

// commandError converts a failed yt-dlp run into a classified error. The
// last non-empty stderr line is kept as detail.
func commandError(op string, ctx context.Context, runErr error, stderr string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("yt-dlp %s: %w", op, ctxErr)
	}
	var execErr *exec.Error
	if errors.As(runErr, &execErr) {
		return fmt.Errorf("yt-dlp %s: %w", op, runErr)
	}
	detail := lastLine(stderr)
	if kind := classifyMessage(stderr); kind != nil {
		return fmt.Errorf("yt-dlp %s: %w: %s", op, kind, detail)
	}
	if detail == "" {
		return fmt.Errorf("yt-dlp %s: %w", op, runErr)
	}
	return fmt.Errorf("yt-dlp %s: %s: %w", op, detail, runErr)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
