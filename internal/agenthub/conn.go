package agenthub

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/agentbridge/internal/agentrt"
	"github.com/haasonsaas/agentbridge/internal/artifacts"
	"github.com/haasonsaas/agentbridge/internal/bindings"
)

var errConnClosed = errors.New("connection closed")

// agentConn is one agent WebSocket connection.
type agentConn struct {
	hub    *Hub
	ws     *websocket.Conn
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	logger *slog.Logger

	// Set once at registration.
	agentID     string
	name        string
	skills      int
	connectedAt time.Time
}

func newAgentConn(h *Hub, ws *websocket.Conn) *agentConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &agentConn{
		hub:    h,
		ws:     ws,
		out:    make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		logger: h.logger,
	}
}

func (c *agentConn) run() {
	defer c.close()
	if !c.handshake() {
		return
	}
	go c.writeLoop()
	defer c.hub.detach(c)
	c.readLoop()
}

func (c *agentConn) close() {
	c.once.Do(func() {
		c.cancel()
		_ = c.ws.Close()
	})
}

// handshake reads the register frame and verifies the agent. It runs before
// the writer starts, so rejections are written directly.
func (c *agentConn) handshake() bool {
	c.ws.SetReadLimit(c.hub.cfg.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.HandshakeTimeout))

	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		c.logger.Debug("agent handshake read failed", "error", err)
		return false
	}
	if messageType != websocket.TextMessage {
		c.reject("first frame must be a text register frame")
		return false
	}
	frame, err := decodeFrame(data)
	if err != nil {
		c.reject("invalid register frame: " + err.Error())
		return false
	}
	if frame.Type != frameRegister {
		c.reject("first frame must be register")
		return false
	}
	if err := c.hub.auth.Verify(frame.AgentID, frame.Token); err != nil {
		c.logger.Warn("agent rejected", "agent_id", frame.AgentID, "error", err)
		c.reject(ErrUnauthorized.Error())
		return false
	}

	c.agentID = frame.AgentID
	c.name = frame.Name
	c.skills = len(frame.Skills)
	c.connectedAt = c.hub.now()
	c.logger = c.logger.With("agent_id", frame.AgentID)

	skills := make([]bindings.Skill, 0, len(frame.Skills))
	for _, s := range frame.Skills {
		skills = append(skills, bindings.Skill{ID: s.ID, Name: s.Name, Description: s.Description, Tags: s.Tags})
	}

	// Queued ahead of any task frame.
	if err := c.send(c.ctx, outboundFrame{Type: frameRegistered, AgentID: frame.AgentID}); err != nil {
		return false
	}
	c.hub.attach(c, bindings.Provider{ID: frame.AgentID, Name: frame.Name, Description: frame.Description}, skills)
	return true
}

// reject tells the agent why it was refused.
func (c *agentConn) reject(reason string) {
	data, err := json.Marshal(outboundFrame{Type: frameRejected, Error: reason})
	if err != nil {
		return
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.TextMessage, data)
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""))
}

func (c *agentConn) readLoop() {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("agent connection lost", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := decodeFrame(data)
		if err != nil {
			_ = c.send(c.ctx, outboundFrame{Type: frameInvalid, Error: err.Error()})
			continue
		}
		if err := c.handle(frame); err != nil {
			c.logger.Warn("frame handling failed", "type", frame.Type, "task_id", frame.TaskID, "error", err)
			_ = c.send(c.ctx, outboundFrame{Type: frameInvalid, TaskID: frame.TaskID, Error: err.Error()})
		}
	}
}

func (c *agentConn) handle(frame *inboundFrame) error {
	switch frame.Type {
	case framePing:
		return c.send(c.ctx, outboundFrame{Type: framePong})
	case frameRegister:
		return errors.New("already registered")
	}

	info, ok := c.hub.task(c, frame.TaskID)
	if !ok {
		c.logger.Debug("frame for unknown task dropped", "type", frame.Type, "task_id", frame.TaskID)
		return nil
	}
	sink := c.hub.currentSink()
	if sink == nil {
		return errors.New("bridge not ready")
	}

	switch frame.Type {
	case frameUpdate:
		update, err := c.update(frame, info)
		if err != nil {
			return err
		}
		sink.Deliver(frame.TaskID, update)
	case frameComplete:
		c.hub.forgetTask(frame.TaskID)
		sink.Complete(frame.TaskID)
	case frameError:
		c.hub.forgetTask(frame.TaskID)
		sink.Fail(frame.TaskID, agentrt.ParseErrorCategory(frame.Category), frame.Message)
	default:
		return fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	return nil
}

// update converts an update frame. Inline file data is stored first so the
// delivered reference always points at stored bytes.
func (c *agentConn) update(frame *inboundFrame, info taskInfo) (agentrt.Update, error) {
	switch frame.Kind {
	case kindText:
		return agentrt.TextDelta(frame.Text), nil
	case kindStatus:
		return agentrt.StatusSignal(frame.State), nil
	case kindFile:
	default:
		return agentrt.Update{}, fmt.Errorf("unknown update kind %q", frame.Kind)
	}

	f := frame.File
	if f == nil {
		return agentrt.Update{}, errors.New("file update without file")
	}
	ref := agentrt.FileRef{
		Filename: f.Filename,
		MimeType: f.MimeType,
		Size:     agentrt.SizeUnknown,
		Version:  f.Version,
	}
	if f.Size != nil {
		ref.Size = *f.Size
	}
	if f.Data == "" {
		return agentrt.FileUpdate(ref), nil
	}

	data, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return agentrt.Update{}, fmt.Errorf("decode %s: %w", f.Filename, err)
	}
	if c.hub.store == nil {
		return agentrt.Update{}, fmt.Errorf("store %s: no artifact storage configured", f.Filename)
	}
	version, err := c.hub.store.Save(c.ctx, artifacts.Object{
		SessionKey: info.sessionKey,
		Filename:   f.Filename,
		MimeType:   f.MimeType,
		Owner:      c.agentID,
	}, bytes.NewReader(data))
	if err != nil {
		return agentrt.Update{}, fmt.Errorf("store %s: %w", f.Filename, err)
	}
	ref.Size = int64(len(data))
	ref.Version = version
	return agentrt.FileUpdate(ref), nil
}

func (c *agentConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// send queues a frame for the writer.
func (c *agentConn) send(ctx context.Context, frame outboundFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case c.out <- data:
		return nil
	case <-c.ctx.Done():
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
