package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/tubedrop/chat"
	"github.com/onnwee/tubedrop/download"
	"github.com/onnwee/tubedrop/link"
	"github.com/onnwee/tubedrop/media"
	"github.com/onnwee/tubedrop/source"
)

type call struct {
	op     string
	chatID string
	text   string
	path   string
}

type fakePlatform struct {
	mu    sync.Mutex
	calls []call
	next  int

	SendTextErr  error
	SendVideoErr error
	// OnSendVideo runs while the artifact still exists.
	OnSendVideo func(path string)
}

func (f *fakePlatform) SendText(ctx context.Context, chatID, text string) (chat.MessageHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "text", chatID: chatID, text: text})
	if f.SendTextErr != nil {
		return chat.MessageHandle{}, f.SendTextErr
	}
	f.next++
	return chat.MessageHandle{ChatID: chatID, MessageID: strconv.Itoa(f.next)}, nil
}

func (f *fakePlatform) DeleteMessage(ctx context.Context, h chat.MessageHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "delete", chatID: h.ChatID, text: h.MessageID})
	return nil
}

func (f *fakePlatform) SendVideo(ctx context.Context, chatID, path, caption string) error {
	if f.OnSendVideo != nil {
		f.OnSendVideo(path)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "video", chatID: chatID, text: caption, path: path})
	return f.SendVideoErr
}

func (f *fakePlatform) ops() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakePlatform) count(op string) int {
	n := 0
	for _, c := range f.ops() {
		if c.op == op {
			n++
		}
	}
	return n
}

type fileFetcher struct {
	mu    sync.Mutex
	specs []source.FetchSpec
	err   error
}

func (f *fileFetcher) Fetch(ctx context.Context, spec source.FetchSpec) (string, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if f.err != nil {
		_ = os.WriteFile(spec.OutputBase+".mp4.part", []byte("partial"), 0o644)
		return "", f.err
	}
	path := spec.OutputBase + ".mp4"
	return path, os.WriteFile(path, []byte("video"), 0o644)
}

func intp(v int) *int { return &v }

func strp(s string) *string { return &s }

func newWorkspace(t *testing.T) *download.Workspace {
	t.Helper()
	ws, err := download.NewWorkspace(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	return ws
}

func dirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		t.Errorf("leftover file %s", e.Name())
	}
}

func TestStatusText(t *testing.T) {
	if got := StatusText(link.ShortForm); got != "🎬 Downloading Shorts, please wait..." {
		t.Errorf("shorts status = %q", got)
	}
	if got := StatusText(link.Standard); got != "🎥 Downloading video, please wait..." {
		t.Errorf("video status = %q", got)
	}
}

func TestEndToEnd(t *testing.T) {
	ws := newWorkspace(t)
	p := &fakePlatform{}
	fetcher := &fileFetcher{}
	var sentExisted bool
	p.OnSendVideo = func(path string) {
		_, err := os.Stat(path)
		sentExisted = err == nil
	}
	orch := &download.Orchestrator{
		Prober: source.ProberFunc(func(ctx context.Context, url string) ([]media.Rendition, error) {
			if url != "https://youtu.be/abc123" {
				t.Errorf("probed %q", url)
			}
			return []media.Rendition{
				{ID: "18", HasVideo: true, HasAudio: true, Height: intp(480)},
				{ID: "37", HasVideo: true, HasAudio: true, Height: intp(1080)},
			}, nil
		}),
		Fetcher:   fetcher,
		Policy:    download.RetryPolicy{FetchAttempts: 3, FragmentRetries: 3},
		Workspace: ws,
	}
	h := NewHandler(p, orch, ws)

	err := h.Handle(context.Background(), chat.Event{
		Text:              "check this out https://youtu.be/abc123 cool right?",
		ChatID:            "42",
		SenderDisplayName: strp("alice"),
		ChatKind:          "group",
		Platform:          "telegram",
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if len(fetcher.specs) != 1 || fetcher.specs[0].Format != "18" {
		t.Fatalf("fetch specs = %+v, want one fetch of the 480p combined id", fetcher.specs)
	}
	if filepath.Dir(fetcher.specs[0].OutputBase) != ws.Dir {
		t.Errorf("output base %q outside workspace", fetcher.specs[0].OutputBase)
	}
	ops := p.ops()
	want := []string{"text", "video", "delete"}
	if len(ops) != len(want) {
		t.Fatalf("ops = %+v, want %v", ops, want)
	}
	for i, op := range want {
		if ops[i].op != op {
			t.Errorf("op[%d] = %s, want %s", i, ops[i].op, op)
		}
	}
	if ops[0].text != "🎥 Downloading video, please wait..." {
		t.Errorf("status text = %q", ops[0].text)
	}
	if ops[1].text != "🎬 Video downloaded for @alice" {
		t.Errorf("caption = %q", ops[1].text)
	}
	if ops[2].text != "1" {
		t.Errorf("deleted message %q, want the status message", ops[2].text)
	}
	if !sentExisted {
		t.Error("artifact missing while uploading")
	}
	if _, err := os.Stat(ops[1].path); !os.IsNotExist(err) {
		t.Errorf("artifact %s still exists", ops[1].path)
	}
	dirEmpty(t, ws.Dir)
}

func TestHandleIgnoresMessagesWithoutLink(t *testing.T) {
	p := &fakePlatform{}
	h := NewHandler(p, nil, newWorkspace(t))
	for _, text := range []string{"hello", "", "https://vimeo.com/123"} {
		if err := h.Handle(context.Background(), chat.Event{Text: text, ChatID: "1"}); !errors.Is(err, ErrLinkNotFound) {
			t.Errorf("Handle(%q) = %v, want ErrLinkNotFound", text, err)
		}
	}
	if len(p.ops()) != 0 {
		t.Errorf("no chat traffic expected, got %+v", p.ops())
	}
}

func TestHandleFailureSendsSingleNotice(t *testing.T) {
	ws := newWorkspace(t)
	p := &fakePlatform{}
	orch := &download.Orchestrator{
		Prober: source.ProberFunc(func(ctx context.Context, url string) ([]media.Rendition, error) {
			return []media.Rendition{{ID: "22", HasVideo: true, HasAudio: true, Height: intp(720)}}, nil
		}),
		Fetcher: &fileFetcher{err: fmt.Errorf("yt-dlp fetch: %w", source.ErrNetwork)},
		Policy:  download.RetryPolicy{FetchAttempts: 3, FragmentRetries: 3},
	}
	h := NewHandler(p, orch, ws)

	err := h.Handle(context.Background(), chat.Event{Text: "https://www.youtube.com/shorts/xyz", ChatID: "7", Platform: "telegram"})
	if !errors.Is(err, download.ErrFetchFailed) {
		t.Fatalf("Handle() error = %v, want ErrFetchFailed", err)
	}
	ops := p.ops()
	if len(ops) != 3 || ops[0].text != "🎬 Downloading Shorts, please wait..." || ops[1].text != FailureNotice || ops[2].op != "delete" {
		t.Fatalf("ops = %+v", ops)
	}
	if p.count("video") != 0 {
		t.Error("no video should be sent on failure")
	}
	dirEmpty(t, ws.Dir)
}

func TestHandleRejectedUploadSendsNotice(t *testing.T) {
	ws := newWorkspace(t)
	p := &fakePlatform{SendVideoErr: errors.New("413 Request Entity Too Large")}
	orch := &download.Orchestrator{
		Prober:  source.ProberFunc(func(context.Context, string) ([]media.Rendition, error) { return nil, nil }),
		Fetcher: &fileFetcher{},
	}
	h := NewHandler(p, orch, ws)

	err := h.Handle(context.Background(), chat.Event{Text: "https://youtu.be/abc123", ChatID: "9", Platform: "telegram"})
	if !errors.Is(err, chat.ErrDeliveryFailed) {
		t.Fatalf("Handle() error = %v, want ErrDeliveryFailed", err)
	}
	ops := p.ops()
	want := []string{"text", "video", "text", "delete"}
	if len(ops) != len(want) {
		t.Fatalf("ops = %+v, want %v", ops, want)
	}
	for i, op := range want {
		if ops[i].op != op {
			t.Errorf("op[%d] = %s, want %s", i, ops[i].op, op)
		}
	}
	if ops[2].text != FailureNotice {
		t.Errorf("notice = %q, want %q", ops[2].text, FailureNotice)
	}
	dirEmpty(t, ws.Dir)
}

func TestHandleUnknownRequester(t *testing.T) {
	ws := newWorkspace(t)
	p := &fakePlatform{}
	orch := &download.Orchestrator{
		Prober:  source.ProberFunc(func(context.Context, string) ([]media.Rendition, error) { return nil, nil }),
		Fetcher: &fileFetcher{},
	}
	h := NewHandler(p, orch, ws)
	if err := h.Handle(context.Background(), chat.Event{Text: "https://youtu.be/a", ChatID: "1", SenderDisplayName: nil}); err != nil {
		t.Fatal(err)
	}
	for _, c := range p.ops() {
		if c.op == "video" && c.text != "🎬 Video downloaded for @Unknown" {
			t.Errorf("caption = %q", c.text)
		}
	}
}

func TestHandleStatusPostFailureStillDelivers(t *testing.T) {
	ws := newWorkspace(t)
	p := &fakePlatform{SendTextErr: errors.New("flood wait")}
	orch := &download.Orchestrator{
		Prober:  source.ProberFunc(func(context.Context, string) ([]media.Rendition, error) { return nil, nil }),
		Fetcher: &fileFetcher{},
	}
	h := NewHandler(p, orch, ws)
	if err := h.Handle(context.Background(), chat.Event{Text: "https://youtu.be/a", ChatID: "1"}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if p.count("video") != 1 || p.count("delete") != 0 {
		t.Errorf("ops = %+v", p.ops())
	}
	dirEmpty(t, ws.Dir)
}

func TestHandleCancelledStillCleansUp(t *testing.T) {
	ws := newWorkspace(t)
	p := &fakePlatform{}
	ctx, cancel := context.WithCancel(context.Background())
	orch := &download.Orchestrator{
		Prober: source.ProberFunc(func(ctx context.Context, url string) ([]media.Rendition, error) {
			cancel()
			return nil, ctx.Err()
		}),
		Fetcher: &fileFetcher{},
	}
	h := NewHandler(p, orch, ws)
	if err := h.Handle(ctx, chat.Event{Text: "https://youtu.be/a", ChatID: "1"}); err == nil {
		t.Fatal("expected error after cancellation")
	}
	if p.count("delete") != 1 {
		t.Errorf("status message not removed: %+v", p.ops())
	}
	if p.count("text") != 2 {
		t.Errorf("failure notice not sent: %+v", p.ops())
	}
}

func TestDeliverRemovesArtifact(t *testing.T) {
	tests := []struct {
		name     string
		res      func(path string) download.Result
		videoErr error
		wantErr  error
		wantOps  []string
	}{
		{
			name:    "success",
			res:     func(p string) download.Result { return download.Success(p) },
			wantOps: []string{"video"},
		},
		{
			name:     "platform rejects upload",
			res:      func(p string) download.Result { return download.Success(p) },
			videoErr: errors.New("413 Request Entity Too Large"),
			wantErr:  chat.ErrDeliveryFailed,
			wantOps:  []string{"video", "text"},
		},
		{
			name: "failed result with stray path",
			res: func(p string) download.Result {
				r := download.Failure(download.ReasonFetchFailed, download.ErrFetchFailed)
				r.Path = p
				return r
			},
			wantOps: []string{"text"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "req-x.mp4")
			if err := os.WriteFile(path, []byte("v"), 0o644); err != nil {
				t.Fatal(err)
			}
			p := &fakePlatform{SendVideoErr: tt.videoErr}
			d := &Deliverer{Platform: p}
			err := d.Deliver(context.Background(), tt.res(path), &RequestContext{ChatID: "1", RequesterDisplayName: "bob"})
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Deliver() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("Deliver() error = %v", err)
			}
			if _, err := os.Stat(path); !os.IsNotExist(err) {
				t.Errorf("artifact still exists after Deliver")
			}
			ops := p.ops()
			if len(ops) != len(tt.wantOps) {
				t.Fatalf("ops = %+v, want %v", ops, tt.wantOps)
			}
			for i, op := range tt.wantOps {
				if ops[i].op != op {
					t.Errorf("op[%d] = %s, want %s", i, ops[i].op, op)
				}
			}
		})
	}
}

func TestDeliverRemovesArtifactOnPanic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "req-p.mp4")
	if err := os.WriteFile(path, []byte("v"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := &fakePlatform{OnSendVideo: func(string) { panic("upload exploded") }}
	d := &Deliverer{Platform: p}
	func() {
		defer func() { _ = recover() }()
		_ = d.Deliver(context.Background(), download.Success(path), &RequestContext{ChatID: "1", RequesterDisplayName: "x"})
	}()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("artifact survived a panic during upload")
	}
}

func TestGateSerializesSameKey(t *testing.T) {
	g := NewGate()
	ctx := context.Background()

	release, err := g.Acquire(ctx, "telegram:1")
	if err != nil {
		t.Fatal(err)
	}
	other, err := g.Acquire(ctx, "telegram:2")
	if err != nil {
		t.Fatalf("different key blocked: %v", err)
	}
	other()

	acquired := make(chan func(), 1)
	go func() {
		r, err := g.Acquire(ctx, "telegram:1")
		if err != nil {
			t.Error(err)
			return
		}
		acquired <- r
	}()
	select {
	case <-acquired:
		t.Fatal("second request for the same chat ran concurrently")
	case <-time.After(30 * time.Millisecond):
	}
	release()
	select {
	case r := <-acquired:
		r()
		r()
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
	if g.Len() != 0 {
		t.Errorf("Len() = %d, want 0", g.Len())
	}
}

func TestGateAcquireCancelled(t *testing.T) {
	g := NewGate()
	release, _ := g.Acquire(context.Background(), "k")
	defer release()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() error = %v, want DeadlineExceeded", err)
	}
	if g.Len() != 1 {
		t.Errorf("Len() = %d, want 1", g.Len())
	}
}

func TestHandlerWait(t *testing.T) {
	h := &Handler{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Errorf("Wait() with nothing in flight = %v", err)
	}
}

func TestOnEventCountsRequestBeforeReturning(t *testing.T) {
	ws := newWorkspace(t)
	p := &fakePlatform{}
	release := make(chan struct{})
	orch := &download.Orchestrator{
		Prober: source.ProberFunc(func(context.Context, string) ([]media.Rendition, error) {
			<-release
			return nil, nil
		}),
		Fetcher: &fileFetcher{},
	}
	h := NewHandler(p, orch, ws)

	h.OnEvent(context.Background(), chat.Event{Text: "https://youtu.be/abc123", ChatID: "1"})

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() = %v, want DeadlineExceeded while the request is running", err)
	}

	close(release)
	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v after the request finished", err)
	}
	if p.count("video") != 1 || p.count("delete") != 1 {
		t.Errorf("ops = %+v", p.ops())
	}
	dirEmpty(t, ws.Dir)
}
