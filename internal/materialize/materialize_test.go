package materialize

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/agentbridge/internal/agentrt"
	"github.com/haasonsaas/agentbridge/internal/artifacts"
	"github.com/haasonsaas/agentbridge/internal/contentpolicy"
	"github.com/haasonsaas/agentbridge/internal/correlation"
	"github.com/haasonsaas/agentbridge/internal/mcp"
	"github.com/haasonsaas/agentbridge/internal/observability"
	"github.com/haasonsaas/agentbridge/internal/resources"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLoader struct {
	mu    sync.Mutex
	files map[string][]byte
	fail  map[string]error
	loads []string
}

func (f *fakeLoader) LoadBytes(_ context.Context, _ string, filename string, _ int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, filename)
	if err := f.fail[filename]; err != nil {
		return nil, err
	}
	data, ok := f.files[filename]
	if !ok {
		return nil, artifacts.ErrNotFound
	}
	return data, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.texts = append(r.texts, text)
	return nil
}

type harness struct {
	table    *correlation.Table
	entry    *correlation.Entry
	loader   *fakeLoader
	registry *resources.Registry
	m        *Materializer
}

func newHarness(t *testing.T, limits contentpolicy.Limits, metrics *observability.Metrics) *harness {
	t.Helper()
	loader := &fakeLoader{files: map[string][]byte{}, fail: map[string]error{}}
	registry := resources.NewRegistry(loader, testLogger())
	table := correlation.NewTable(testLogger())
	return &harness{
		table:    table,
		entry:    table.Begin("task-1"),
		loader:   loader,
		registry: registry,
		m: New(Config{
			Loader:   loader,
			Registry: registry,
			Limits:   limits,
			Metrics:  metrics,
		}, testLogger()),
	}
}

func (h *harness) file(name, mimeType string, data []byte) {
	h.loader.files[name] = data
	h.table.Deliver("task-1", agentrt.FileUpdate(agentrt.FileRef{
		Filename: name,
		MimeType: mimeType,
		Size:     int64(len(data)),
		Version:  1,
	}))
}

func (h *harness) run(n Notifier) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return h.m.Run(ctx, CallInfo{SessionID: "sess-1", TaskID: "task-1", Owner: "agent-a", Notifier: n}, h.entry.Queue())
}

func TestRunForwardsTextAndStatusAsNotices(t *testing.T) {
	h := newHarness(t, contentpolicy.DefaultLimits(), nil)
	h.table.Deliver("task-1", agentrt.TextDelta("Looking up"))
	h.table.Deliver("task-1", agentrt.StatusSignal("working"))
	h.table.Deliver("task-1", agentrt.StatusSignal(""))
	h.table.Deliver("task-1", agentrt.TextDelta(" the forecast"))
	h.table.ResolveSuccess("task-1")

	notifier := &recordingNotifier{}
	out := h.run(notifier)

	if len(out.Items) != 0 {
		t.Errorf("items = %+v, want none for text-only stream", out.Items)
	}
	want := []string{"Looking up", "[status] working", " the forecast"}
	if diff := cmp.Diff(want, notifier.texts); diff != "" {
		t.Errorf("notices (-want +got):\n%s", diff)
	}
	if out.NoticesSent != 3 || out.Canceled {
		t.Errorf("outcome = %+v", out)
	}
}

func TestImageLimitBoundary(t *testing.T) {
	limits := contentpolicy.Limits{Image: 10, Audio: 10, Text: 10, Binary: 10}
	h := newHarness(t, limits, nil)
	h.file("below.png", "image/png", make([]byte, 9))
	h.file("at.png", "image/png", make([]byte, 10))
	h.file("above.png", "image/png", make([]byte, 11))
	h.table.ResolveSuccess("task-1")

	out := h.run(nil)

	if len(out.Items) != 3 {
		t.Fatalf("items = %d, want 3", len(out.Items))
	}
	gotTypes := []string{out.Items[0].Type, out.Items[1].Type, out.Items[2].Type}
	if diff := cmp.Diff([]string{mcp.ContentImage, mcp.ContentImage, mcp.ContentResourceLink}, gotTypes); diff != "" {
		t.Errorf("types (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"below.png", "at.png"}, h.loader.loads); diff != "" {
		t.Errorf("oversized file should not be loaded (-want +got):\n%s", diff)
	}

	link := out.Items[2]
	if link.URI != resources.URIFor("sess-1", "above.png") || link.Size == nil || *link.Size != 11 {
		t.Errorf("link = %+v", link)
	}
	if _, ok := h.registry.Lookup("sess-1", "above.png"); !ok {
		t.Error("linked file not registered")
	}
	if _, ok := h.registry.Lookup("sess-1", "at.png"); ok {
		t.Error("inline image should not be registered")
	}
}

func TestEmbeddedTextAndBlob(t *testing.T) {
	h := newHarness(t, contentpolicy.DefaultLimits(), nil)
	h.file("notes.md", "text/markdown", []byte("# Forecast\nSunny"))
	h.file("data.bin", "application/octet-stream", []byte{0x00, 0x01, 0x02})
	h.file("mislabeled.txt", "text/plain", []byte{0xff, 0xfe, 0x00})
	h.file("config.dat", "application/octet-stream", []byte(`{"ok": true}`))
	h.table.ResolveSuccess("task-1")

	out := h.run(nil)

	want := []mcp.Content{
		mcp.EmbeddedTextContent(resources.URIFor("sess-1", "notes.md"), "text/markdown", "# Forecast\nSunny"),
		mcp.EmbeddedBlobContent(resources.URIFor("sess-1", "data.bin"), "application/octet-stream", []byte{0x00, 0x01, 0x02}),
		mcp.EmbeddedBlobContent(resources.URIFor("sess-1", "mislabeled.txt"), "text/plain", []byte{0xff, 0xfe, 0x00}),
		mcp.EmbeddedTextContent(resources.URIFor("sess-1", "config.dat"), "application/octet-stream", `{"ok": true}`),
	}
	if diff := cmp.Diff(want, out.Items); diff != "" {
		t.Errorf("items (-want +got):\n%s", diff)
	}
	if len(h.registry.List("sess-1")) != 4 {
		t.Errorf("registered = %d, want 4", len(h.registry.List("sess-1")))
	}
}

func TestEmptyFileCarriesText(t *testing.T) {
	h := newHarness(t, contentpolicy.DefaultLimits(), nil)
	h.file("empty.txt", "text/plain", []byte{})
	h.table.ResolveSuccess("task-1")

	out := h.run(nil)

	data, err := json.Marshal(out.Items)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `[{"type":"resource","resource":{"uri":"` + resources.URIFor("sess-1", "empty.txt") + `","mimeType":"text/plain","text":""}}]`
	if string(data) != want {
		t.Errorf("items = %s, want %s", data, want)
	}
}

func TestUnknownSizeIsLinked(t *testing.T) {
	h := newHarness(t, contentpolicy.DefaultLimits(), nil)
	h.loader.files["tiny.png"] = []byte{1}
	h.table.Deliver("task-1", agentrt.FileUpdate(agentrt.FileRef{
		Filename: "tiny.png",
		MimeType: "image/png",
		Size:     agentrt.SizeUnknown,
	}))
	h.table.ResolveSuccess("task-1")

	out := h.run(nil)

	want := []mcp.Content{mcp.ResourceLinkContent(resources.URIFor("sess-1", "tiny.png"), "tiny.png", "image/png", -1)}
	if diff := cmp.Diff(want, out.Items); diff != "" {
		t.Errorf("items (-want +got):\n%s", diff)
	}
	if len(h.loader.loads) != 0 {
		t.Errorf("unknown-size file was loaded: %v", h.loader.loads)
	}
}

func TestFileErrorsAreDowngradedToText(t *testing.T) {
	h := newHarness(t, contentpolicy.DefaultLimits(), nil)
	h.file("broken.png", "image/png", []byte{1, 2})
	h.loader.fail["broken.png"] = errors.New("bucket unavailable")
	h.table.Deliver("task-1", agentrt.FileUpdate(agentrt.FileRef{Filename: "ghost.png", MimeType: "image/png", Size: 3}))
	h.file("ok.png", "image/png", []byte{9})
	h.table.ResolveSuccess("task-1")

	out := h.run(nil)

	if len(out.Items) != 3 {
		t.Fatalf("items = %+v", out.Items)
	}
	if got := out.Items[0].Text; got != "[materialization error] broken.png: load: bucket unavailable" {
		t.Errorf("first item = %q", got)
	}
	if got := out.Items[1].Text; !strings.HasPrefix(got, "[materialization error] ghost.png: ") {
		t.Errorf("second item = %q", got)
	}
	if out.Items[2].Type != mcp.ContentImage {
		t.Errorf("loop did not continue after errors: %+v", out.Items[2])
	}
}

func TestMissingMimeIsGuessed(t *testing.T) {
	h := newHarness(t, contentpolicy.DefaultLimits(), nil)
	h.file("photo.png", "", []byte{1, 2, 3})
	h.file("blob", "", []byte{0, 0})
	h.table.ResolveSuccess("task-1")

	out := h.run(nil)

	if out.Items[0].Type != mcp.ContentImage || out.Items[0].MimeType != "image/png" {
		t.Errorf("png item = %+v", out.Items[0])
	}
	if out.Items[1].Resource == nil || out.Items[1].Resource.MimeType != "application/octet-stream" {
		t.Errorf("extensionless item = %+v", out.Items[1])
	}
}

func TestRunStopsOnCancelWithPartialItems(t *testing.T) {
	h := newHarness(t, contentpolicy.DefaultLimits(), nil)
	h.file("a.png", "image/png", []byte{1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		done <- h.m.Run(ctx, CallInfo{SessionID: "sess-1", TaskID: "task-1"}, h.entry.Queue())
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case out := <-done:
		if !out.Canceled || len(out.Items) != 1 {
			t.Errorf("outcome = %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}

func TestRunDoesNotStopBeforeEnd(t *testing.T) {
	h := newHarness(t, contentpolicy.DefaultLimits(), nil)
	done := make(chan Outcome, 1)
	go func() { done <- h.run(nil) }()

	h.table.Deliver("task-1", agentrt.TextDelta("still going"))
	select {
	case <-done:
		t.Fatal("Run() returned before END")
	case <-time.After(30 * time.Millisecond):
	}

	h.table.ResolveSuccess("task-1")
	select {
	case out := <-done:
		if out.Canceled {
			t.Errorf("outcome = %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after END")
	}
}

func TestNoticeOutcomes(t *testing.T) {
	ctx := context.Background()
	if got := Notify(ctx, nil, "x"); got != NoticeSkipped {
		t.Errorf("nil notifier = %v", got)
	}
	if got := Notify(ctx, &recordingNotifier{err: errors.New("closed pipe")}, "x"); got != NoticeFailed {
		t.Errorf("failing notifier = %v", got)
	}
	if got := Notify(ctx, NotifierFunc(func(context.Context, string) error { return mcp.ErrNoProgressToken }), "x"); got != NoticeSkipped {
		t.Errorf("no progress token = %v", got)
	}
	if got := Notify(ctx, &recordingNotifier{}, "x"); got != NoticeDelivered {
		t.Errorf("working notifier = %v", got)
	}
}

func TestMetricsRecorded(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	h := newHarness(t, contentpolicy.DefaultLimits(), metrics)
	h.file("a.png", "image/png", []byte{1})
	h.table.Deliver("task-1", agentrt.FileUpdate(agentrt.FileRef{Filename: "", Size: 1}))
	h.table.Deliver("task-1", agentrt.TextDelta("hi"))
	h.table.ResolveSuccess("task-1")

	out := h.run(&recordingNotifier{err: errors.New("gone")})

	if out.NoticesFailed != 1 {
		t.Errorf("failed notices = %d", out.NoticesFailed)
	}
	if got := testutil.ToFloat64(metrics.MaterializedItems.WithLabelValues("inline_image")); got != 1 {
		t.Errorf("inline_image = %v", got)
	}
	if got := testutil.ToFloat64(metrics.MaterializedItems.WithLabelValues("error")); got != 1 {
		t.Errorf("error = %v", got)
	}
	if got := testutil.ToFloat64(metrics.ProgressNotices.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed notices metric = %v", got)
	}
}
