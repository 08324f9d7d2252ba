package correlation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/agentbridge/internal/agentrt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drain(t *testing.T, q *Queue) []Chunk {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var out []Chunk
	for {
		c, err := q.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v after %v", err, out)
		}
		out = append(out, c)
		if c.Kind == ChunkEnd {
			return out
		}
	}
}

func TestTableSuccessAccumulatesText(t *testing.T) {
	table := NewTable(testLogger())
	entry := table.Begin("t1")

	table.Deliver("t1", agentrt.TextDelta("Sunny"))
	table.Deliver("t1", agentrt.StatusSignal("working"))
	table.Deliver("t1", agentrt.TextDelta(", 21C"))
	if !table.ResolveSuccess("t1") {
		t.Fatal("ResolveSuccess() = false, want true")
	}

	res, err := entry.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if res.Text != "Sunny, 21C" || res.Err != nil {
		t.Errorf("result = %+v", res)
	}

	chunks := drain(t, entry.Queue())
	kinds := make([]ChunkKind, len(chunks))
	for i, c := range chunks {
		kinds[i] = c.Kind
	}
	want := []ChunkKind{ChunkText, ChunkStatus, ChunkText, ChunkEnd}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Errorf("chunk kinds = %v, want %v", kinds, want)
	}
}

func TestTableSuccessWithoutText(t *testing.T) {
	table := NewTable(testLogger())
	entry := table.Begin("t1")
	table.Deliver("t1", agentrt.FileUpdate(agentrt.FileRef{Filename: "a.png", MimeType: "image/png", Size: 10}))
	table.ResolveSuccess("t1")

	if res := entry.Result(); res.Text != NoTextOutput || !res.NoText {
		t.Errorf("result = %+v, want fallback", res)
	}
}

func TestTableErrorKeepsPartialText(t *testing.T) {
	table := NewTable(testLogger())
	entry := table.Begin("t1")
	table.Deliver("t1", agentrt.TextDelta("half"))
	table.ResolveError("t1", agentrt.ErrorOther, "boom")

	res := entry.Result()
	if res.Err == nil || res.Err.Category != agentrt.ErrorOther || res.Err.Message != "boom" {
		t.Fatalf("err = %+v", res.Err)
	}
	if res.Text != "half" {
		t.Errorf("partial text = %q, want half", res.Text)
	}
}

func TestTableResolvesOnce(t *testing.T) {
	table := NewTable(testLogger())
	entry := table.Begin("t1")
	if !table.ResolveError("t1", agentrt.ErrorCanceled, "") {
		t.Fatal("first resolution should win")
	}
	if table.ResolveSuccess("t1") {
		t.Error("second resolution should be ignored")
	}
	if entry.Result().Err == nil {
		t.Error("result changed by second resolution")
	}

	// Updates after resolution never follow END.
	table.Deliver("t1", agentrt.TextDelta("late"))
	chunks := drain(t, entry.Queue())
	if len(chunks) != 1 || chunks[0].Kind != ChunkEnd {
		t.Errorf("chunks = %+v, want only END", chunks)
	}
	if entry.Queue().Len() != 0 {
		t.Error("chunk placed after END")
	}
}

func TestTableEndIsIdempotentAndDeliverAfterEndIsNoop(t *testing.T) {
	table := NewTable(testLogger())
	table.Begin("t1")
	table.End("t1")
	table.End("t1")
	if table.Has("t1") || table.Len() != 0 {
		t.Fatal("entry still present after End")
	}

	table.Deliver("t1", agentrt.TextDelta("late"))
	table.Deliver("t1", agentrt.Update{})
	if table.ResolveSuccess("t1") {
		t.Error("ResolveSuccess() on ended task = true")
	}
	if table.Len() != 0 {
		t.Error("late delivery recreated the entry")
	}
}

func TestTableResolutionDoesNotRemove(t *testing.T) {
	table := NewTable(testLogger())
	table.Begin("t1")
	table.ResolveSuccess("t1")
	if !table.Has("t1") {
		t.Error("resolution removed the entry")
	}
}

func TestTableBeginTwiceOverwrites(t *testing.T) {
	table := NewTable(testLogger())
	first := table.Begin("t1")
	second := table.Begin("t1")
	if first == second {
		t.Fatal("Begin returned the same entry")
	}
	table.ResolveSuccess("t1")
	select {
	case <-second.Done():
	default:
		t.Error("current entry not resolved")
	}
	select {
	case <-first.Done():
		t.Error("replaced entry resolved")
	default:
	}
}

func TestTableIsolation(t *testing.T) {
	table := NewTable(testLogger())
	const n = 50
	entries := make([]*Entry, n)
	for i := range entries {
		entries[i] = table.Begin(fmt.Sprintf("task-%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("task-%d", i)
			table.Deliver(id, agentrt.TextDelta(fmt.Sprintf("a%d", i)))
			table.Deliver(id, agentrt.TextDelta(fmt.Sprintf("b%d", i)))
			if i%2 == 0 {
				table.ResolveSuccess(id)
			} else {
				table.ResolveError(id, agentrt.ErrorOther, id)
			}
		}(i)
	}
	wg.Wait()

	for i, entry := range entries {
		res := entry.Result()
		if want := fmt.Sprintf("a%db%d", i, i); res.Text != want {
			t.Errorf("entry %d text = %q, want %q", i, res.Text, want)
		}
		if (i%2 == 1) != (res.Err != nil) {
			t.Errorf("entry %d err = %v", i, res.Err)
		}
		if res.Err != nil && res.Err.Message != entry.TaskID {
			t.Errorf("entry %d got message %q", i, res.Err.Message)
		}
	}
}

func TestQueueNextHonorsContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Next(ctx); err == nil {
		t.Fatal("Next() on empty queue should fail when ctx expires")
	}
}

func TestQueueWakesBlockedConsumer(t *testing.T) {
	q := NewQueue()
	got := make(chan Chunk, 1)
	go func() {
		c, _ := q.Next(context.Background())
		got <- c
	}()
	time.Sleep(10 * time.Millisecond)
	q.push(Chunk{Kind: ChunkText, Text: "x"})

	select {
	case c := <-got:
		if c.Text != "x" {
			t.Errorf("chunk = %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer not woken")
	}
}

func TestRemoteTaskErrorMessage(t *testing.T) {
	err := &RemoteTaskError{Category: agentrt.ErrorCanceled}
	if err.Error() != "agent task canceled" {
		t.Errorf("Error() = %q", err.Error())
	}
	err = &RemoteTaskError{Category: agentrt.ErrorOther, Message: "quota"}
	if err.Error() != "agent task other: quota" {
		t.Errorf("Error() = %q", err.Error())
	}
}
