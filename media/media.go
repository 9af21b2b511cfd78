// Package media holds the rendition model and the format resolver that picks
// which rendition (or video+audio pair) to fetch for a link.
package media

import "fmt"

// Rendition describes one encoded variant offered by the media source.
// Optional fields are nil when the source did not report them.
type Rendition struct {
	ID              string
	HasVideo        bool
	HasAudio        bool
	Height          *int
	AvgAudioBitrate *float64
	// ApproxSize is the source's size estimate in bytes, used for disk preflight only.
	ApproxSize *int64
}

// Combined reports whether the rendition carries both video and audio.
func (r Rendition) Combined() bool { return r.HasVideo && r.HasAudio }

// VideoOnly reports whether the rendition carries video without audio.
func (r Rendition) VideoOnly() bool { return r.HasVideo && !r.HasAudio }

// AudioOnly reports whether the rendition carries audio without video.
func (r Rendition) AudioOnly() bool { return r.HasAudio && !r.HasVideo }

// SelectionKind tags the variant held by a Selection.
type SelectionKind int

const (
	// FallbackBest defers to the source's own default quality logic.
	FallbackBest SelectionKind = iota
	// Combined is a single rendition with both streams.
	Combined
	// Paired is a video-only rendition merged with an audio-only rendition.
	Paired
	// VideoOnly is a video rendition with no audio available.
	VideoOnly
)

func (k SelectionKind) String() string {
	switch k {
	case Combined:
		return "combined"
	case Paired:
		return "paired"
	case VideoOnly:
		return "video_only"
	default:
		return "fallback_best"
	}
}

// fallbackFormat is the yt-dlp expression used when nothing matched by height.
const fallbackFormat = "bestvideo*+bestaudio/best"

// Selection is the resolver's decision for one request.
type Selection struct {
	Kind    SelectionKind
	VideoID string // rendition id for Combined, Paired and VideoOnly
	AudioID string // Paired only
}

// CombinedSelection selects a single rendition carrying both streams.
func CombinedSelection(id string) Selection { return Selection{Kind: Combined, VideoID: id} }

// PairedSelection selects a video rendition merged with an audio rendition.
func PairedSelection(videoID, audioID string) Selection {
	return Selection{Kind: Paired, VideoID: videoID, AudioID: audioID}
}

// VideoOnlySelection selects a silent video rendition.
func VideoOnlySelection(id string) Selection { return Selection{Kind: VideoOnly, VideoID: id} }

// Fallback is the FallbackBest sentinel.
func Fallback() Selection { return Selection{Kind: FallbackBest} }

// FormatSpec renders the selection as a yt-dlp -f expression.
func (s Selection) FormatSpec() string {
	switch s.Kind {
	case Combined, VideoOnly:
		return s.VideoID
	case Paired:
		return s.VideoID + "+" + s.AudioID
	default:
		return fallbackFormat
	}
}

func (s Selection) String() string {
	switch s.Kind {
	case Combined, VideoOnly:
		return fmt.Sprintf("%s(%s)", s.Kind, s.VideoID)
	case Paired:
		return fmt.Sprintf("%s(%s,%s)", s.Kind, s.VideoID, s.AudioID)
	default:
		return s.Kind.String()
	}
}

// ApproxSize sums the size estimates of the renditions a selection will fetch.
// It returns 0 when any part is unknown or the selection is FallbackBest.
func (s Selection) ApproxSize(renditions []Rendition) int64 {
	ids := []string{s.VideoID}
	switch s.Kind {
	case FallbackBest:
		return 0
	case Paired:
		ids = append(ids, s.AudioID)
	}
	var total int64
	for _, id := range ids {
		size := int64(0)
		for _, r := range renditions {
			if r.ID == id && r.ApproxSize != nil {
				size = *r.ApproxSize
				break
			}
		}
		if size <= 0 {
			return 0
		}
		total += size
	}
	return total
}
