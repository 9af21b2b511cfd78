// Package youtubeapi uploads finished downloads to YouTube. It is used by chat
// platforms that cannot carry a video attachment: the file is uploaded and the
// resulting watch URL is posted instead. Credentials come from a long-lived
// refresh token; nothing is persisted.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

const uploadScope = "https://www.googleapis.com/auth/youtube.upload"

// ErrNotConfigured is returned when upload credentials are missing.
var ErrNotConfigured = errors.New("youtube upload not configured")

// Options configures the uploader.
type Options struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	// Privacy is private, unlisted or public; unlisted when empty.
	Privacy string
	// Scopes may be comma or space separated.
	Scopes string
}

// Uploader owns an authorized YouTube Data API client.
type Uploader struct {
	privacy string
	svc     *yt.Service
}

// OAuthConfig builds the Google OAuth2 config for opts.
func OAuthConfig(opts Options) *oauth2.Config {
	scopes := []string{uploadScope}
	if opts.Scopes != "" {
		if fields := strings.Fields(strings.ReplaceAll(opts.Scopes, ",", " ")); len(fields) > 0 {
			scopes = fields
		}
	}
	return &oauth2.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       scopes,
	}
}

// New builds an uploader whose token source refreshes from opts.RefreshToken.
func New(ctx context.Context, opts Options) (*Uploader, error) {
	if opts.ClientID == "" || opts.ClientSecret == "" || opts.RefreshToken == "" {
		return nil, ErrNotConfigured
	}
	cfg := OAuthConfig(opts)
	ts := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: opts.RefreshToken})
	svc, err := yt.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("youtube client: %w", err)
	}
	return NewWithService(svc, opts.Privacy), nil
}

// NewWithService wraps an existing API client.
func NewWithService(svc *yt.Service, privacy string) *Uploader {
	return &Uploader{privacy: normalizePrivacy(privacy), svc: svc}
}

// Privacy returns the privacy status applied to uploads.
func (u *Uploader) Privacy() string { return u.privacy }

func normalizePrivacy(p string) string {
	switch p = strings.ToLower(strings.TrimSpace(p)); p {
	case "private", "public", "unlisted":
		return p
	default:
		return "unlisted"
	}
}

// Upload uploads the file at path and returns its watch URL.
func (u *Uploader) Upload(ctx context.Context, path, title, description string) (string, error) {
	if u == nil || u.svc == nil {
		return "", fmt.Errorf("nil youtube service")
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()
	video := &yt.Video{
		Snippet: &yt.VideoSnippet{Title: title, Description: description},
		Status:  &yt.VideoStatus{PrivacyStatus: u.privacy},
	}
	res, err := u.svc.Videos.Insert([]string{"snippet", "status"}, video).Media(f).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("youtube upload: %w", err)
	}
	if res.Id == "" {
		return "", fmt.Errorf("youtube upload: empty id")
	}
	return "https://www.youtube.com/watch?v=" + res.Id, nil
}
