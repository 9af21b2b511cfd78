// Package link finds the first supported video link in free-form chat text.
package link

import (
	"regexp"
	"strings"
)

// Kind classifies a detected link.
type Kind int

const (
	// Standard is a regular watch page or youtu.be link.
	Standard Kind = iota
	// ShortForm is a /shorts/ link.
	ShortForm
)

// String returns the label used in logs and status text.
func (k Kind) String() string {
	if k == ShortForm {
		return "Shorts"
	}
	return "video"
}

// Match is a link extracted from a message.
type Match struct {
	URL  string
	Kind Kind
}

const shortsSegment = "/shorts/"

// pattern accepts watch?v=, shorts/ and youtu.be/ shapes with an optional trailing query.
var pattern = regexp.MustCompile(`https?://(?:www\.)?(?:youtube\.com/(?:watch\?v=|shorts/)|youtu\.be/)[a-zA-Z0-9_\-]+(?:\?[a-zA-Z0-9_\-&=]*)?`)

// Detect returns the first recognized link in text. Later links are ignored.
func Detect(text string) (Match, bool) {
	url := pattern.FindString(text)
	if url == "" {
		return Match{}, false
	}
	return Match{URL: url, Kind: classify(url)}, true
}

func classify(url string) Kind {
	if strings.Contains(strings.ToLower(url), shortsSegment) {
		return ShortForm
	}
	return Standard
}
