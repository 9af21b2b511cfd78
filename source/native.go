package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kkdai/youtube/v2"

	"github.com/onnwee/tubedrop/media"
)

// NativeProber reads the format list through the YouTube player API without
// spawning yt-dlp.
type NativeProber struct {
	Client *youtube.Client
}

// Probe fetches video metadata and converts its formats to renditions.
func (p NativeProber) Probe(ctx context.Context, url string) ([]media.Rendition, error) {
	client := p.Client
	if client == nil {
		client = &youtube.Client{}
	}
	video, err := client.GetVideoContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("native probe: %w", nativeError(err))
	}
	return renditionsFromFormats(video.Formats), nil
}

func renditionsFromFormats(formats youtube.FormatList) []media.Rendition {
	out := make([]media.Rendition, 0, len(formats))
	for _, f := range formats {
		hasVideo := f.Width > 0 || f.Height > 0 || strings.HasPrefix(f.MimeType, "video/")
		hasAudio := f.AudioChannels > 0
		if !hasVideo && !hasAudio {
			continue
		}
		r := media.Rendition{
			ID:       fmt.Sprint(f.ItagNo),
			HasVideo: hasVideo,
			HasAudio: hasAudio,
		}
		if hasVideo && f.Height > 0 {
			h := f.Height
			r.Height = &h
		}
		if hasAudio {
			// AverageBitrate is bits per second; yt-dlp reports abr in kbit/s.
			bps := f.AverageBitrate
			if bps == 0 && !hasVideo {
				bps = f.Bitrate
			}
			if bps > 0 {
				kbps := float64(bps) / 1000
				r.AvgAudioBitrate = &kbps
			}
		}
		if f.ContentLength > 0 {
			size := f.ContentLength
			r.ApproxSize = &size
		}
		out = append(out, r)
	}
	return out
}

func nativeError(err error) error {
	switch {
	case errors.Is(err, youtube.ErrLoginRequired),
		errors.Is(err, youtube.ErrVideoPrivate),
		errors.Is(err, youtube.ErrNotPlayableInEmbed):
		return fmt.Errorf("%w: %v", ErrRestricted, err)
	case errors.Is(err, youtube.ErrInvalidCharactersInVideoID),
		errors.Is(err, youtube.ErrVideoIDMinLength):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var status *youtube.ErrPlayabiltyStatus
	if errors.As(err, &status) {
		return fmt.Errorf("%w: %v", ErrRestricted, err)
	}
	if kind := classifyMessage(err.Error()); kind != nil {
		return fmt.Errorf("%w: %v", kind, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

// FallbackProber asks Primary first and falls back to Secondary when the
// primary fails with anything but a cancelled context. Itags from the native
// client are valid yt-dlp format ids, so either result feeds the same fetcher.
type FallbackProber struct {
	Primary   Prober
	Secondary Prober
}

// Probe implements Prober.
func (p FallbackProber) Probe(ctx context.Context, url string) ([]media.Rendition, error) {
	renditions, err := p.Primary.Probe(ctx, url)
	if err == nil && len(renditions) > 0 {
		return renditions, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	slog.Debug("primary prober failed, falling back", slog.String("url", url), slog.Any("err", err))
	return p.Secondary.Probe(ctx, url)
}
