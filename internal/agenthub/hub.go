// Package agenthub connects remote agents to the bridge over WebSocket.
//
// An agent dials the hub, registers itself with its skills and a token, and
// then receives task frames and streams back update, complete and error
// frames. The hub is the bridge's agent runtime: it implements
// agentrt.Submitter and agentrt.Canceler, and feeds every task event into an
// agentrt.Sink.
package agenthub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/agentbridge/internal/agentrt"
	"github.com/haasonsaas/agentbridge/internal/artifacts"
	"github.com/haasonsaas/agentbridge/internal/bindings"
	"github.com/haasonsaas/agentbridge/internal/observability"
	"github.com/haasonsaas/agentbridge/internal/ratelimit"
)

const (
	DefaultPath             = "/agents/ws"
	DefaultMaxFrameBytes    = 16 << 20
	DefaultHandshakeTimeout = 10 * time.Second

	pongWait   = 45 * time.Second
	pingPeriod = 15 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 64

	disconnectMessage = "agent disconnected"
)

var (
	// ErrAgentNotConnected is returned by Submit when the provider has no
	// live connection.
	ErrAgentNotConnected = errors.New("agent not connected")

	// ErrUnknownTask is returned by Cancel for tasks the hub is not tracking.
	ErrUnknownTask = errors.New("unknown task")
)

// Announcer receives provider lifecycle events.
type Announcer interface {
	OnProviderAnnounced(provider bindings.Provider, skills []bindings.Skill) error
	OnProviderWithdrawn(providerID string)
}

// Config tunes the hub.
type Config struct {
	MaxFrameBytes    int64
	HandshakeTimeout time.Duration
	Auth             AuthConfig
}

// Options wires a Hub.
type Options struct {
	Config    Config
	Sink      agentrt.Sink
	Announcer Announcer
	// Store receives file bytes sent inline by agents. Without a store such
	// files are delivered with their metadata only.
	Store   artifacts.Store
	Metrics *observability.Metrics
	// RegisterLimiter throttles connection attempts per remote host.
	RegisterLimiter *ratelimit.Limiter
}

// AgentInfo describes a connected agent.
type AgentInfo struct {
	ID          string
	Name        string
	Skills      int
	ConnectedAt time.Time
	InFlight    int
}

type taskInfo struct {
	conn       *agentConn
	sessionKey string
}

// Hub accepts agent connections and routes tasks to them.
type Hub struct {
	cfg       Config
	auth      *Authenticator
	sink      agentrt.Sink
	announcer Announcer
	store     artifacts.Store
	metrics   *observability.Metrics
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	now       func() time.Time

	mu     sync.RWMutex
	agents map[string]*agentConn
	tasks  map[string]taskInfo
}

// New creates a Hub.
func New(opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Hub{
		cfg:       cfg,
		auth:      NewAuthenticator(cfg.Auth),
		sink:      opts.Sink,
		announcer: opts.Announcer,
		store:     opts.Store,
		metrics:   opts.Metrics,
		limiter:   opts.RegisterLimiter,
		logger:    logger.With("component", "agenthub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		now:    time.Now,
		agents: make(map[string]*agentConn),
		tasks:  make(map[string]taskInfo),
	}
}

// SetSink installs the task event sink.
func (h *Hub) SetSink(sink agentrt.Sink) {
	h.mu.Lock()
	h.sink = sink
	h.mu.Unlock()
}

func (h *Hub) currentSink() agentrt.Sink {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sink
}

// ServeHTTP upgrades the request and serves one agent connection until it
// closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := remoteHost(r)
	if !h.limiter.Allow(host) {
		wait := h.limiter.WaitTime(host)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		h.logger.Warn("agent connection rate limited", "remote", host, "retry_after", wait)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn := newAgentConn(h, ws)
	conn.run()
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Submit implements agentrt.Submitter.
func (h *Hub) Submit(ctx context.Context, req agentrt.SubmitRequest) error {
	h.mu.Lock()
	conn, ok := h.agents[req.ProviderID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotConnected, req.ProviderID)
	}
	h.tasks[req.TaskID] = taskInfo{conn: conn, sessionKey: req.SessionKey}
	h.mu.Unlock()

	err := conn.send(ctx, outboundFrame{
		Type:       frameTask,
		TaskID:     req.TaskID,
		SkillID:    req.SkillID,
		Text:       req.Text,
		SessionKey: req.SessionKey,
	})
	if err != nil {
		h.forgetTask(req.TaskID)
		return fmt.Errorf("send task to %s: %w", req.ProviderID, err)
	}
	return nil
}

// Cancel implements agentrt.Canceler.
func (h *Hub) Cancel(ctx context.Context, taskID, reason string) error {
	info, ok := h.takeTask(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return info.conn.send(ctx, outboundFrame{Type: frameCancel, TaskID: taskID, Reason: reason})
}

// Agents returns the connected agents sorted by id.
func (h *Hub) Agents() []AgentInfo {
	h.mu.RLock()
	inflight := make(map[*agentConn]int)
	for _, info := range h.tasks {
		inflight[info.conn]++
	}
	out := make([]AgentInfo, 0, len(h.agents))
	for id, conn := range h.agents {
		out = append(out, AgentInfo{
			ID:          id,
			Name:        conn.name,
			Skills:      conn.skills,
			ConnectedAt: conn.connectedAt,
			InFlight:    inflight[conn],
		})
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close drops every agent connection.
func (h *Hub) Close() error {
	h.mu.RLock()
	conns := make([]*agentConn, 0, len(h.agents))
	for _, conn := range h.agents {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.close()
	}
	return nil
}

// attach makes conn the live connection of its agent, replacing any older
// one, and announces its skills.
func (h *Hub) attach(conn *agentConn, provider bindings.Provider, skills []bindings.Skill) {
	h.mu.Lock()
	old := h.agents[conn.agentID]
	h.agents[conn.agentID] = conn
	h.mu.Unlock()

	if old != nil {
		h.logger.Info("agent reconnected, replacing old connection", "agent_id", conn.agentID)
		old.close()
	} else {
		h.metrics.AgentConnected()
	}

	if h.announcer != nil {
		if err := h.announcer.OnProviderAnnounced(provider, skills); err != nil {
			h.logger.Warn("skill announcement incomplete", "agent_id", conn.agentID, "error", err)
		}
	}
	h.logger.Info("agent registered", "agent_id", conn.agentID, "name", provider.Name, "skills", len(skills))
}

// detach removes conn. Its in-flight tasks fail, and its skills are
// withdrawn unless a newer connection replaced it.
func (h *Hub) detach(conn *agentConn) {
	h.mu.Lock()
	current := conn.agentID != "" && h.agents[conn.agentID] == conn
	if current {
		delete(h.agents, conn.agentID)
	}
	var orphaned []string
	for taskID, info := range h.tasks {
		if info.conn == conn {
			orphaned = append(orphaned, taskID)
			delete(h.tasks, taskID)
		}
	}
	h.mu.Unlock()

	if current {
		h.metrics.AgentDisconnected()
		if h.announcer != nil {
			h.announcer.OnProviderWithdrawn(conn.agentID)
		}
		h.logger.Info("agent disconnected", "agent_id", conn.agentID, "orphaned_tasks", len(orphaned))
	}
	if sink := h.currentSink(); sink != nil {
		for _, taskID := range orphaned {
			sink.Fail(taskID, agentrt.ErrorOther, disconnectMessage)
		}
	}
}

// task returns the tracking record of taskID if conn owns it.
func (h *Hub) task(conn *agentConn, taskID string) (taskInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	info, ok := h.tasks[taskID]
	if !ok || info.conn != conn {
		return taskInfo{}, false
	}
	return info, true
}

func (h *Hub) takeTask(taskID string) (taskInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info, ok := h.tasks[taskID]
	if ok {
		delete(h.tasks, taskID)
	}
	return info, ok
}

func (h *Hub) forgetTask(taskID string) {
	h.mu.Lock()
	delete(h.tasks, taskID)
	h.mu.Unlock()
}
