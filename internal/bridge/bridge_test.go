package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
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
	"github.com/haasonsaas/agentbridge/internal/bindings"
	"github.com/haasonsaas/agentbridge/internal/correlation"
	"github.com/haasonsaas/agentbridge/internal/materialize"
	"github.com/haasonsaas/agentbridge/internal/mcp"
	"github.com/haasonsaas/agentbridge/internal/observability"
	"github.com/haasonsaas/agentbridge/internal/resources"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedRuntime plays a script against the sink for every submitted task.
type scriptedRuntime struct {
	sink      agentrt.Sink
	script    func(req agentrt.SubmitRequest, sink agentrt.Sink)
	submitErr error
	// stall makes Submit wait for its context, like a peer with a full
	// send buffer.
	stall bool

	mu        sync.Mutex
	submitted []agentrt.SubmitRequest
	canceled  []string
}

func (r *scriptedRuntime) Submit(ctx context.Context, req agentrt.SubmitRequest) error {
	r.mu.Lock()
	r.submitted = append(r.submitted, req)
	r.mu.Unlock()
	if r.stall {
		<-ctx.Done()
		return ctx.Err()
	}
	if r.submitErr != nil {
		return r.submitErr
	}
	if r.script != nil {
		go r.script(req, r.sink)
	}
	return nil
}

func (r *scriptedRuntime) Cancel(_ context.Context, taskID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = append(r.canceled, taskID)
	return nil
}

func (r *scriptedRuntime) canceledTasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.canceled...)
}

type fixture struct {
	bridge   *Bridge
	runtime  *scriptedRuntime
	store    *artifacts.MemoryStore
	registry *resources.Registry
	metrics  *observability.Metrics
}

func newFixture(t *testing.T, cfg Config, script func(agentrt.SubmitRequest, agentrt.Sink)) *fixture {
	t.Helper()
	logger := testLogger()

	tools := bindings.NewSynchronizer(nil, logger)
	if err := tools.OnProviderAnnounced(
		bindings.Provider{ID: "search-1", Name: "SearchAgent"},
		[]bindings.Skill{{ID: "lookup", Name: "lookup"}},
	); err != nil {
		t.Fatalf("announce: %v", err)
	}

	store := artifacts.NewMemoryStore()
	registry := resources.NewRegistry(store, logger)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	rt := &scriptedRuntime{script: script}
	b := New(Options{
		Config:       cfg,
		Tools:        tools,
		Runtime:      rt,
		Materializer: materialize.New(materialize.Config{Loader: store, Registry: registry, Metrics: metrics}, logger),
		Resources:    registry,
		Metrics:      metrics,
	}, logger)
	rt.sink = b
	return &fixture{bridge: b, runtime: rt, store: store, registry: registry, metrics: metrics}
}

func (f *fixture) invoke(t *testing.T, message string, n materialize.Notifier) Response {
	t.Helper()
	resp, err := f.bridge.Invoke(context.Background(), Call{
		ToolName:     "SearchAgent_lookup",
		Message:      message,
		ConnectionID: "conn-1",
		Notifier:     n,
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	return resp
}

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingNotifier) Notify(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

func TestScenarioTextDeltas(t *testing.T) {
	f := newFixture(t, Config{}, func(req agentrt.SubmitRequest, sink agentrt.Sink) {
		sink.Deliver(req.TaskID, agentrt.TextDelta("Sunny"))
		sink.Deliver(req.TaskID, agentrt.TextDelta(", 21C"))
		sink.Complete(req.TaskID)
	})

	notifier := &recordingNotifier{}
	resp := f.invoke(t, "weather in Paris", notifier)

	if resp.IsError || resp.Text != "Sunny, 21C" {
		t.Fatalf("response = %+v", resp)
	}
	if diff := cmp.Diff([]mcp.Content{mcp.TextContent("Sunny, 21C")}, resp.Content()); diff != "" {
		t.Errorf("content (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Sunny", ", 21C"}, notifier.texts); diff != "" {
		t.Errorf("notices (-want +got):\n%s", diff)
	}

	req := f.runtime.submitted[0]
	if req.ProviderID != "search-1" || req.SkillID != "lookup" || req.Text != "weather in Paris" || req.SessionKey != "conn-1" {
		t.Errorf("submitted = %+v", req)
	}
	if req.TaskID == "" || req.TaskID != resp.TaskID {
		t.Errorf("task id = %q, response task id = %q", req.TaskID, resp.TaskID)
	}
}

func TestScenarioInlineImageWithoutText(t *testing.T) {
	png := bytes.Repeat([]byte{0x89}, 10)
	var f *fixture
	f = newFixture(t, Config{}, func(req agentrt.SubmitRequest, sink agentrt.Sink) {
		version, err := f.store.Save(context.Background(), artifacts.Object{
			SessionKey: req.SessionKey,
			Filename:   "chart.png",
			MimeType:   "image/png",
		}, bytes.NewReader(png))
		if err != nil {
			sink.Fail(req.TaskID, agentrt.ErrorOther, err.Error())
			return
		}
		sink.Deliver(req.TaskID, agentrt.FileUpdate(agentrt.FileRef{
			Filename: "chart.png",
			MimeType: "image/png",
			Size:     int64(len(png)),
			Version:  version,
		}))
		sink.Complete(req.TaskID)
	})

	resp := f.invoke(t, "plot it", nil)

	want := []mcp.Content{mcp.ImageContent(png, "image/png")}
	if diff := cmp.Diff(want, resp.Content()); diff != "" {
		t.Errorf("content (-want +got):\n%s", diff)
	}
}

func TestScenarioTimeout(t *testing.T) {
	f := newFixture(t, Config{CallTimeout: 100 * time.Millisecond, MaterializerGrace: 50 * time.Millisecond}, nil)

	start := time.Now()
	resp := f.invoke(t, "never answers", nil)

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Invoke() took %v", elapsed)
	}
	if !resp.IsError || resp.Text != "[error] Task timed out after 0.1s" {
		t.Errorf("response = %+v", resp)
	}
	if !errors.Is(resp.Err, ErrTaskTimeout) {
		t.Errorf("Err = %v, want ErrTaskTimeout", resp.Err)
	}
	if f.bridge.InFlight() != 0 {
		t.Errorf("InFlight() = %d, entry not removed", f.bridge.InFlight())
	}
	if diff := cmp.Diff([]string{resp.TaskID}, f.runtime.canceledTasks()); diff != "" {
		t.Errorf("runtime cancels (-want +got):\n%s", diff)
	}

	// Late events after the timeout are dropped.
	f.bridge.Deliver(resp.TaskID, agentrt.TextDelta("too late"))
	f.bridge.Complete(resp.TaskID)
	f.bridge.Fail(resp.TaskID, agentrt.ErrorOther, "late")
	if f.bridge.InFlight() != 0 {
		t.Error("late event recreated an entry")
	}
}

func TestScenarioCanceled(t *testing.T) {
	f := newFixture(t, Config{}, func(req agentrt.SubmitRequest, sink agentrt.Sink) {
		sink.Deliver(req.TaskID, agentrt.TextDelta("partial"))
		sink.Fail(req.TaskID, agentrt.ErrorCanceled, "user stopped it")
	})

	resp := f.invoke(t, "anything", nil)

	if !resp.IsError || resp.Text != "[canceled] The agent canceled the task." {
		t.Errorf("response = %+v", resp)
	}
	var remote *correlation.RemoteTaskError
	if !errors.As(resp.Err, &remote) || remote.Category != agentrt.ErrorCanceled {
		t.Errorf("Err = %v", resp.Err)
	}
}

func TestFailureIncludesPartialText(t *testing.T) {
	f := newFixture(t, Config{}, func(req agentrt.SubmitRequest, sink agentrt.Sink) {
		sink.Deliver(req.TaskID, agentrt.TextDelta("Found 3 results"))
		sink.Fail(req.TaskID, agentrt.ErrorOther, "quota exceeded")
	})

	resp := f.invoke(t, "search", nil)

	want := "[error] Agent task failed: quota exceeded\n\nFound 3 results"
	if !resp.IsError || resp.Text != want {
		t.Errorf("text = %q, want %q", resp.Text, want)
	}
}

func TestFailureWithoutPartialText(t *testing.T) {
	f := newFixture(t, Config{}, func(req agentrt.SubmitRequest, sink agentrt.Sink) {
		sink.Fail(req.TaskID, agentrt.ErrorOther, "boom")
	})
	if resp := f.invoke(t, "x", nil); resp.Text != "[error] Agent task failed: boom" {
		t.Errorf("text = %q", resp.Text)
	}
}

func TestSubmitFailureIsAResponse(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.runtime.submitErr = errors.New("agent offline")

	resp := f.invoke(t, "x", nil)

	if !resp.IsError || !strings.Contains(resp.Text, "agent offline") {
		t.Errorf("response = %+v", resp)
	}
	if f.bridge.InFlight() != 0 {
		t.Error("entry leaked after submit failure")
	}
}

func TestStalledSubmitHitsCallTimeout(t *testing.T) {
	f := newFixture(t, Config{CallTimeout: 100 * time.Millisecond, MaterializerGrace: 50 * time.Millisecond}, nil)
	f.runtime.stall = true

	start := time.Now()
	resp := f.invoke(t, "stuck", nil)

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Invoke() took %v, submission not bounded by the call timeout", elapsed)
	}
	if !errors.Is(resp.Err, ErrTaskTimeout) {
		t.Errorf("Err = %v, want ErrTaskTimeout", resp.Err)
	}
	if !resp.IsError || resp.Text != "[error] Task timed out after 0.1s" {
		t.Errorf("response = %+v", resp)
	}
	if f.bridge.InFlight() != 0 {
		t.Errorf("InFlight() = %d, entry not removed", f.bridge.InFlight())
	}
}

func TestPreSubmissionErrors(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	_, err := f.bridge.Invoke(context.Background(), Call{ToolName: "nope", ConnectionID: "conn-1"})
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("unknown tool error = %v", err)
	}
	_, err = f.bridge.Invoke(context.Background(), Call{ToolName: "SearchAgent_lookup"})
	if !errors.Is(err, ErrMissingSessionIdentity) {
		t.Errorf("missing session error = %v", err)
	}
	if len(f.runtime.submitted) != 0 {
		t.Error("task submitted despite pre-submission error")
	}
}

func TestConcurrentCallsAreIsolated(t *testing.T) {
	f := newFixture(t, Config{}, func(req agentrt.SubmitRequest, sink agentrt.Sink) {
		sink.Deliver(req.TaskID, agentrt.TextDelta("echo:"))
		time.Sleep(time.Duration(len(req.Text)%5) * time.Millisecond)
		sink.Deliver(req.TaskID, agentrt.TextDelta(req.Text))
		sink.Complete(req.TaskID)
	})

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := fmt.Sprintf("message-%d%s", i, strings.Repeat("x", i))
			resp, err := f.bridge.Invoke(context.Background(), Call{
				ToolName:     "searchagent_lookup",
				Message:      msg,
				ConnectionID: fmt.Sprintf("conn-%d", i),
			})
			if err != nil {
				errs <- err.Error()
				return
			}
			if resp.Text != "echo:"+msg {
				errs <- fmt.Sprintf("call %d got %q", i, resp.Text)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
	if f.bridge.InFlight() != 0 {
		t.Errorf("InFlight() = %d after all calls", f.bridge.InFlight())
	}
}

type panickingNotifier struct{}

func (panickingNotifier) Notify(context.Context, string) error {
	panic("notifier exploded")
}

func TestMaterializerPanicStillAnswers(t *testing.T) {
	f := newFixture(t, Config{MaterializerGrace: 100 * time.Millisecond}, func(req agentrt.SubmitRequest, sink agentrt.Sink) {
		sink.Deliver(req.TaskID, agentrt.TextDelta("hello"))
		sink.Complete(req.TaskID)
	})

	resp := f.invoke(t, "x", panickingNotifier{})

	if resp.Text != "hello" || resp.IsError {
		t.Errorf("response = %+v", resp)
	}
	if f.bridge.InFlight() != 0 {
		t.Error("entry leaked after materializer panic")
	}
}

type blockingNotifier struct{}

func (blockingNotifier) Notify(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStalledNoticeDoesNotBlockResponse(t *testing.T) {
	f := newFixture(t, Config{MaterializerGrace: 50 * time.Millisecond}, func(req agentrt.SubmitRequest, sink agentrt.Sink) {
		sink.Deliver(req.TaskID, agentrt.TextDelta("slow"))
		sink.Complete(req.TaskID)
	})

	start := time.Now()
	resp := f.invoke(t, "x", blockingNotifier{})

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Invoke() took %v with a stalled notifier", elapsed)
	}
	if resp.Text != "slow" {
		t.Errorf("text = %q", resp.Text)
	}
}

func TestCallToolAdapter(t *testing.T) {
	f := newFixture(t, Config{}, func(req agentrt.SubmitRequest, sink agentrt.Sink) {
		sink.Deliver(req.TaskID, agentrt.StatusSignal("working"))
		sink.Deliver(req.TaskID, agentrt.TextDelta("done: "+req.Text))
		sink.Complete(req.TaskID)
	})

	var (
		mu     sync.Mutex
		events []mcp.ProgressParams
	)
	notifier := mcp.NotifierFunc(func(_ context.Context, method string, params any) error {
		mu.Lock()
		defer mu.Unlock()
		if method == "notifications/progress" {
			events = append(events, params.(mcp.ProgressParams))
		}
		return nil
	})

	result, err := f.bridge.CallTool(context.Background(), mcp.ToolCall{
		SessionID: "sess-9",
		Name:      "SearchAgent_lookup",
		Arguments: map[string]any{"message": "ping"},
		Progress:  mcp.NewProgress("tok-1", notifier),
	})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if diff := cmp.Diff(mcp.TextResult("done: ping", false), result); diff != "" {
		t.Errorf("result (-want +got):\n%s", diff)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0].Message != "[status] working" || events[1].ProgressToken != "tok-1" {
		t.Errorf("progress events = %+v", events)
	}

	if _, err := f.bridge.CallTool(context.Background(), mcp.ToolCall{SessionID: "s", Name: "missing"}); !errors.Is(err, mcp.ErrToolNotFound) {
		t.Errorf("unknown tool error = %v", err)
	}
}

type fakeCleaner struct {
	deleted []string
}

func (c *fakeCleaner) DeleteSession(_ context.Context, sessionKey string) error {
	c.deleted = append(c.deleted, sessionKey)
	return nil
}

func TestCloseSession(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	cleaner := &fakeCleaner{}
	f.bridge.artifacts = cleaner
	f.registry.Register("conn-1", "a.txt", "text/plain", 1, "search-1", 1)
	f.registry.Register("conn-2", "b.txt", "text/plain", 1, "search-1", 1)

	f.bridge.CloseSession("conn-1")

	if len(f.bridge.ListResources("conn-1")) != 0 {
		t.Error("resources of closed session remain")
	}
	if len(f.bridge.ListResources("conn-2")) != 1 {
		t.Error("other session affected")
	}
	if diff := cmp.Diff([]string{"conn-1"}, cleaner.deleted); diff != "" {
		t.Errorf("deleted sessions (-want +got):\n%s", diff)
	}
}

func TestReadResourceThroughBridge(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	if _, err := f.store.Save(ctx, artifacts.Object{SessionKey: "conn-1", Filename: "a.txt", MimeType: "text/plain"}, strings.NewReader("hello")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	uri := f.registry.Register("conn-1", "a.txt", "text/plain", 5, "search-1", 1)

	contents, err := f.bridge.ReadResource(ctx, "conn-1", uri)
	if err != nil || len(contents) != 1 || contents[0].Text != "hello" {
		t.Fatalf("ReadResource() = %+v, %v", contents, err)
	}
	if _, err := f.bridge.ReadResource(ctx, "conn-1", resources.URIFor("conn-1", "nope")); !errors.Is(err, mcp.ErrResourceNotFound) {
		t.Errorf("missing resource error = %v", err)
	}

	if got := testutil.ToFloat64(f.metrics.ResourceReads.WithLabelValues("success")); got != 1 {
		t.Errorf("success reads = %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.ResourceReads.WithLabelValues("not_found")); got != 1 {
		t.Errorf("not_found reads = %v", got)
	}
}

func TestToolCallMetrics(t *testing.T) {
	f := newFixture(t, Config{}, func(req agentrt.SubmitRequest, sink agentrt.Sink) {
		sink.Complete(req.TaskID)
	})
	f.invoke(t, "x", nil)
	f.bridge.Invoke(context.Background(), Call{ToolName: "missing", ConnectionID: "c"})

	if got := testutil.ToFloat64(f.metrics.ToolCallCounter.WithLabelValues("searchagent_lookup", "success")); got != 1 {
		t.Errorf("success calls = %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.ToolCallCounter.WithLabelValues("missing", "not_found")); got != 1 {
		t.Errorf("not_found calls = %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.ActiveCorrelations); got != 0 {
		t.Errorf("active correlations = %v", got)
	}
}

func TestResponseContent(t *testing.T) {
	img := mcp.ImageContent([]byte{1}, "image/png")
	tests := []struct {
		name string
		resp Response
		want []mcp.Content
	}{
		{"text only", Response{Text: "hi"}, []mcp.Content{mcp.TextContent("hi")}},
		{"items without text", Response{Items: []mcp.Content{img}}, []mcp.Content{img}},
		{"text then items", Response{Text: "hi", Items: []mcp.Content{img}}, []mcp.Content{mcp.TextContent("hi"), img}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.resp.Content()); diff != "" {
				t.Errorf("Content() (-want +got):\n%s", diff)
			}
		})
	}
}
