package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/onnwee/tubedrop/media"
	"github.com/onnwee/tubedrop/source"
)

type fakeFetcher struct {
	mu    sync.Mutex
	specs []source.FetchSpec

	// errs[i] is returned by call i; calls past the end succeed.
	errs         []error
	leavePartial bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, spec source.FetchSpec) (string, error) {
	f.mu.Lock()
	call := len(f.specs)
	f.specs = append(f.specs, spec)
	f.mu.Unlock()

	if call < len(f.errs) && f.errs[call] != nil {
		if f.leavePartial {
			_ = os.WriteFile(spec.OutputBase+".f135.mp4.part", []byte("partial"), 0o644)
		}
		return "", f.errs[call]
	}
	path := spec.OutputBase + ".mp4"
	if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

func staticProber(rs []media.Rendition, err error) source.Prober {
	return source.ProberFunc(func(ctx context.Context, url string) ([]media.Rendition, error) {
		return rs, err
	})
}

func intp(v int) *int { return &v }

func testPolicy() RetryPolicy {
	return RetryPolicy{FetchAttempts: 3, FragmentRetries: 3}
}

func leftovers(t *testing.T, base string) []string {
	t.Helper()
	m, err := filepath.Glob(base + ".*")
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestDownloadSuccess(t *testing.T) {
	base := filepath.Join(t.TempDir(), "req-1")
	rs := []media.Rendition{
		{ID: "22", HasVideo: true, HasAudio: true, Height: intp(1080)},
		{ID: "18", HasVideo: true, HasAudio: true, Height: intp(480)},
	}
	fetcher := &fakeFetcher{}
	var states []State
	o := &Orchestrator{
		Prober:  staticProber(rs, nil),
		Fetcher: fetcher,
		Policy:  testPolicy(),
		Slots:   NewSlots(1),
		OnState: func(s State) { states = append(states, s) },
	}

	res := o.Download(context.Background(), "https://youtu.be/abc123", base)
	if !res.OK() {
		t.Fatalf("Download() = %+v, want success", res)
	}
	if res.Path != base+".mp4" {
		t.Errorf("Path = %q", res.Path)
	}
	if res.Selection != media.CombinedSelection("18") {
		t.Errorf("Selection = %v, want combined 18", res.Selection)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if got := fetcher.specs[0]; got.Format != "18" || got.FragmentRetries != 3 || got.OutputBase != base {
		t.Errorf("fetch spec = %+v", got)
	}
	want := []State{Probing, Selecting, Fetching, Succeeded}
	if !slices.Equal(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
	if o.Slots.Active() != 0 {
		t.Errorf("slot not released")
	}
}

func TestDownloadProbeFailure(t *testing.T) {
	base := filepath.Join(t.TempDir(), "req-2")
	fetcher := &fakeFetcher{}
	var states []State
	o := &Orchestrator{
		Prober:  staticProber(nil, fmt.Errorf("yt-dlp probe: %w", source.ErrNotFound)),
		Fetcher: fetcher,
		Policy:  testPolicy(),
		OnState: func(s State) { states = append(states, s) },
	}
	res := o.Download(context.Background(), "https://youtu.be/missing", base)
	if res.State != Failed || res.Reason != ReasonProbeFailed {
		t.Fatalf("Download() = %+v, want probe failure", res)
	}
	if !errors.Is(res.Err, ErrProbeFailed) || !errors.Is(res.Err, source.ErrNotFound) {
		t.Errorf("Err = %v, want ErrProbeFailed wrapping ErrNotFound", res.Err)
	}
	if fetcher.calls() != 0 {
		t.Errorf("fetch should not run after probe failure")
	}
	if !slices.Equal(states, []State{Probing, Failed}) {
		t.Errorf("states = %v", states)
	}
}

func TestDownloadEmptyProbeUsesFallback(t *testing.T) {
	base := filepath.Join(t.TempDir(), "req-3")
	fetcher := &fakeFetcher{}
	o := &Orchestrator{Prober: staticProber(nil, nil), Fetcher: fetcher, Policy: testPolicy()}
	res := o.Download(context.Background(), "https://youtu.be/abc123", base)
	if !res.OK() {
		t.Fatalf("Download() = %+v", res)
	}
	if fetcher.specs[0].Format != "bestvideo*+bestaudio/best" {
		t.Errorf("Format = %q, want fallback", fetcher.specs[0].Format)
	}
}

func TestDownloadRetriesThenSucceeds(t *testing.T) {
	base := filepath.Join(t.TempDir(), "req-4")
	fetcher := &fakeFetcher{errs: []error{
		fmt.Errorf("yt-dlp fetch: %w: reset", source.ErrNetwork),
		fmt.Errorf("yt-dlp fetch: %w: 429", source.ErrRateLimited),
	}, leavePartial: true}
	o := &Orchestrator{Prober: staticProber(nil, nil), Fetcher: fetcher, Policy: testPolicy()}
	res := o.Download(context.Background(), "https://youtu.be/abc123", base)
	if !res.OK() {
		t.Fatalf("Download() = %+v", res)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
	if got := leftovers(t, base); !slices.Equal(got, []string{base + ".mp4"}) {
		t.Errorf("files = %v, want only the artifact", got)
	}
}

func TestDownloadRetryExhaustion(t *testing.T) {
	base := filepath.Join(t.TempDir(), "req-5")
	netErr := fmt.Errorf("yt-dlp fetch: %w", source.ErrNetwork)
	fetcher := &fakeFetcher{errs: []error{netErr, netErr, netErr, netErr}, leavePartial: true}
	o := &Orchestrator{Prober: staticProber(nil, nil), Fetcher: fetcher, Policy: testPolicy()}
	res := o.Download(context.Background(), "https://youtu.be/abc123", base)
	if res.State != Failed || res.Reason != ReasonFetchFailed {
		t.Fatalf("Download() = %+v, want fetch failure", res)
	}
	if !errors.Is(res.Err, ErrFetchFailed) || !errors.Is(res.Err, source.ErrNetwork) {
		t.Errorf("Err = %v", res.Err)
	}
	if fetcher.calls() != 3 || res.Attempts != 3 {
		t.Errorf("calls = %d attempts = %d, want exactly 3", fetcher.calls(), res.Attempts)
	}
	if got := leftovers(t, base); len(got) != 0 {
		t.Errorf("partial files left: %v", got)
	}
}

func TestDownloadFatalErrorIsNotRetried(t *testing.T) {
	base := filepath.Join(t.TempDir(), "req-6")
	fetcher := &fakeFetcher{errs: []error{fmt.Errorf("yt-dlp fetch: %w", source.ErrRestricted)}}
	o := &Orchestrator{Prober: staticProber(nil, nil), Fetcher: fetcher, Policy: testPolicy()}
	res := o.Download(context.Background(), "https://youtu.be/abc123", base)
	if res.State != Failed {
		t.Fatalf("Download() = %+v, want failure", res)
	}
	if fetcher.calls() != 1 {
		t.Errorf("calls = %d, want 1", fetcher.calls())
	}
}

func TestDownloadCancelledWhileWaitingForSlot(t *testing.T) {
	base := filepath.Join(t.TempDir(), "req-7")
	slots := NewSlots(1)
	if !slots.Acquire(context.Background()) {
		t.Fatal("acquire")
	}
	defer slots.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetcher := &fakeFetcher{}
	o := &Orchestrator{Prober: staticProber(nil, nil), Fetcher: fetcher, Policy: testPolicy(), Slots: slots}
	res := o.Download(ctx, "https://youtu.be/abc123", base)
	if res.State != Failed || res.Reason != ReasonCancelled {
		t.Fatalf("Download() = %+v, want cancelled", res)
	}
	if fetcher.calls() != 0 {
		t.Errorf("fetch ran without a slot")
	}
}

func TestDownloadInsufficientSpace(t *testing.T) {
	dir := t.TempDir()
	size := int64(1 << 30)
	rs := []media.Rendition{{ID: "18", HasVideo: true, HasAudio: true, Height: intp(480), ApproxSize: &size}}
	ws := &Workspace{Dir: dir, freeBytes: func(string) (uint64, error) { return 1 << 30, nil }}
	fetcher := &fakeFetcher{}
	o := &Orchestrator{Prober: staticProber(rs, nil), Fetcher: fetcher, Policy: testPolicy(), Workspace: ws}
	res := o.Download(context.Background(), "https://youtu.be/abc123", filepath.Join(dir, "req-8"))
	if res.Reason != ReasonInsufficientSpace || !errors.Is(res.Err, ErrInsufficientSpace) {
		t.Fatalf("Download() = %+v, want insufficient space", res)
	}
	if fetcher.calls() != 0 {
		t.Errorf("fetch should not run")
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{Probing, Selecting, Fetching} {
		if s.Terminal() {
			t.Errorf("%v should not be terminal", s)
		}
	}
	for _, s := range []State{Succeeded, Failed} {
		if !s.Terminal() {
			t.Errorf("%v should be terminal", s)
		}
	}
}

func TestDownloadSpanRecordsSelectionAndAttempts(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	base := filepath.Join(t.TempDir(), "req-span")
	fetcher := &fakeFetcher{errs: []error{fmt.Errorf("yt-dlp fetch: %w: reset", source.ErrNetwork)}}
	o := &Orchestrator{
		Prober:  staticProber([]media.Rendition{{ID: "18", HasVideo: true, HasAudio: true, Height: intp(480)}}, nil),
		Fetcher: fetcher,
		Policy:  testPolicy(),
	}
	if res := o.Download(context.Background(), "https://youtu.be/abc123", base); !res.OK() {
		t.Fatalf("Download() = %+v", res)
	}

	var span sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == "download" {
			span = s
		}
	}
	if span == nil {
		t.Fatal("download span not recorded")
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if got := attrs["media.selection"].AsString(); got != "combined(18)" {
		t.Errorf("media.selection = %q, want combined(18)", got)
	}
	if got := attrs["download.attempt"].AsInt64(); got != 2 {
		t.Errorf("download.attempt = %d, want 2", got)
	}
	fetches := 0
	for _, ev := range span.Events() {
		if ev.Name == "fetch" {
			fetches++
		}
	}
	if fetches != 2 {
		t.Errorf("fetch events = %d, want 2", fetches)
	}
}
