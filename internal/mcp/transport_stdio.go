package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// StdioSessionID is the session of the single stdio client.
const StdioSessionID = "stdio"

// stdioWriter serializes newline-delimited frames onto one stream.
type stdioWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *stdioWriter) writeFrame(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Notify implements Notifier.
func (w *stdioWriter) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeNotification(method, params)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return w.writeFrame(data)
}

// ServeStdio serves one client over newline-delimited JSON until in is
// exhausted or ctx is canceled. Requests are handled concurrently so a long
// tools/call does not block pings or other calls.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := &stdioWriter{out: out}
	s.OpenSession(StdioSessionID, writer)
	defer s.CloseSession(StdioSessionID)

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			frame := make([]byte, len(line))
			copy(frame, line)
			select {
			case lines <- frame:
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
		readErr <- scanner.Err()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil && err != context.Canceled {
				return fmt.Errorf("read stdin: %w", err)
			}
			return nil
		case line := <-lines:
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp := s.HandleMessage(ctx, StdioSessionID, writer, line)
				if resp == nil {
					return
				}
				data, err := json.Marshal(resp)
				if err != nil {
					s.logger.Error("marshal response", "error", err)
					return
				}
				if err := writer.writeFrame(data); err != nil {
					s.logger.Warn("stdio write failed", "error", err)
				}
			}()
		}
	}
}
