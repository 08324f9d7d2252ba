package correlation

import (
	"context"
	"fmt"
	"sync"

	"github.com/haasonsaas/agentbridge/internal/agentrt"
)

// ChunkKind discriminates queue items.
type ChunkKind int

const (
	ChunkText ChunkKind = iota + 1
	ChunkFile
	ChunkStatus
	// ChunkEnd is always the last chunk of a queue.
	ChunkEnd
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkText:
		return "text"
	case ChunkFile:
		return "file"
	case ChunkStatus:
		return "status"
	case ChunkEnd:
		return "end"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Chunk is one item of an entry's ordered queue.
type Chunk struct {
	Kind  ChunkKind
	Text  string
	File  agentrt.FileRef
	State string
}

func chunkFromUpdate(u agentrt.Update) (Chunk, bool) {
	switch u.Kind {
	case agentrt.UpdateText:
		return Chunk{Kind: ChunkText, Text: u.Text}, true
	case agentrt.UpdateFile:
		return Chunk{Kind: ChunkFile, File: u.File}, true
	case agentrt.UpdateStatus:
		return Chunk{Kind: ChunkStatus, State: u.State}, true
	default:
		return Chunk{}, false
	}
}

// Queue is an unbounded FIFO with a single consumer. Producers never block.
type Queue struct {
	mu     sync.Mutex
	items  []Chunk
	closed bool
	wake   chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// push appends c. It reports false once ChunkEnd has been pushed.
func (q *Queue) push(c Chunk) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, c)
	if c.Kind == ChunkEnd {
		q.closed = true
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until a chunk is available or ctx is done.
func (q *Queue) Next(ctx context.Context) (Chunk, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			c := q.items[0]
			q.items[0] = Chunk{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return c, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		}
	}
}

// Len returns the number of undrained chunks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
