// Package bindings keeps the external tool list in step with the skills
// announced by connected agent providers.
package bindings

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/agentbridge/internal/mcp"
)

// Provider is an agent that announces skills.
type Provider struct {
	ID          string
	Name        string
	Description string
}

// Skill is one capability of a provider.
type Skill struct {
	ID          string
	Name        string
	Description string
	Tags        []string
}

// Binding maps an external tool name to a provider skill.
type Binding struct {
	Name         string
	ProviderID   string
	SkillID      string
	ProviderName string
	SkillName    string
	Description  string
}

// ToolRegistrar is the protocol side of tool registration.
type ToolRegistrar interface {
	RegisterTool(tool mcp.Tool) error
	RemoveTool(name string)
}

// Synchronizer owns the binding table.
type Synchronizer struct {
	// regMu orders registrar calls the same way as table changes. The
	// registrar may block on client I/O, so it is never called under mu.
	regMu sync.Mutex

	mu         sync.RWMutex
	byName     map[string]Binding
	byProvider map[string]map[string]struct{}
	registrar  ToolRegistrar
	logger     *slog.Logger
}

// NewSynchronizer creates an empty synchronizer. registrar may be nil, in
// which case bindings are tracked but never exposed.
func NewSynchronizer(registrar ToolRegistrar, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		byName:     make(map[string]Binding),
		byProvider: make(map[string]map[string]struct{}),
		registrar:  registrar,
		logger:     logger.With("component", "bindings"),
	}
}

// OnProviderAnnounced installs a binding per skill. A provider that
// announces again replaces its previous skill set, and a name already bound
// to another skill is taken over. The returned error only reports tools the
// registrar refused; their bindings are still installed.
func (s *Synchronizer) OnProviderAnnounced(provider Provider, skills []Skill) error {
	schema, err := InputSchema()
	if err != nil {
		return fmt.Errorf("tool input schema: %w", err)
	}

	s.regMu.Lock()
	defer s.regMu.Unlock()

	s.mu.Lock()
	incoming := make([]Binding, 0, len(skills))
	wanted := make(map[string]struct{}, len(skills))
	for _, skill := range skills {
		b := Binding{
			Name:         ToolName(provider.Name, skill.Name),
			ProviderID:   provider.ID,
			SkillID:      skill.ID,
			ProviderName: provider.Name,
			SkillName:    skill.Name,
			Description:  describe(provider, skill),
		}
		incoming = append(incoming, b)
		wanted[b.Name] = struct{}{}
	}

	var ops []registrarOp
	for name := range s.byProvider[provider.ID] {
		if _, keep := wanted[name]; !keep && s.removeLocked(name) {
			ops = append(ops, registrarOp{remove: name})
		}
	}

	for _, b := range incoming {
		if old, ok := s.byName[b.Name]; ok {
			if old.ProviderID != b.ProviderID {
				s.logger.Info("tool name taken over",
					"tool", b.Name,
					"old_provider", old.ProviderID,
					"new_provider", b.ProviderID)
			}
			if s.removeLocked(b.Name) {
				ops = append(ops, registrarOp{remove: b.Name})
			}
		}

		s.byName[b.Name] = b
		names, ok := s.byProvider[b.ProviderID]
		if !ok {
			names = make(map[string]struct{})
			s.byProvider[b.ProviderID] = names
		}
		names[b.Name] = struct{}{}
		ops = append(ops, registrarOp{tool: &mcp.Tool{Name: b.Name, Description: b.Description, InputSchema: schema}})
	}
	s.mu.Unlock()

	err = s.apply(ops)
	s.logger.Info("provider announced",
		"provider_id", provider.ID,
		"provider", provider.Name,
		"skills", len(skills))
	return err
}

// OnProviderWithdrawn removes every binding of a provider. Unknown providers
// are ignored.
func (s *Synchronizer) OnProviderWithdrawn(providerID string) {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	s.mu.Lock()
	var ops []registrarOp
	for name := range s.byProvider[providerID] {
		if s.removeLocked(name) {
			ops = append(ops, registrarOp{remove: name})
		}
	}
	delete(s.byProvider, providerID)
	s.mu.Unlock()

	s.apply(ops) //nolint:errcheck
	if len(ops) > 0 {
		s.logger.Info("provider withdrawn", "provider_id", providerID, "tools", len(ops))
	}
}

// registrarOp is one pending registrar call: a removal when remove is set,
// otherwise a registration of tool.
type registrarOp struct {
	remove string
	tool   *mcp.Tool
}

// apply runs ops in order. Registrations that fail are logged and
// reported; their bindings stay installed.
func (s *Synchronizer) apply(ops []registrarOp) error {
	if s.registrar == nil {
		return nil
	}
	var errs []error
	for _, op := range ops {
		if op.tool == nil {
			s.registrar.RemoveTool(op.remove)
			continue
		}
		if err := s.registrar.RegisterTool(*op.tool); err != nil {
			s.logger.Error("tool registration failed", "tool", op.tool.Name, "error", err)
			errs = append(errs, fmt.Errorf("register %s: %w", op.tool.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Lookup resolves a tool name. The name is sanitized first so callers may
// use any casing or separators.
func (s *Synchronizer) Lookup(name string) (Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byName[Sanitize(name)]
	return b, ok
}

// Bindings returns all bindings sorted by name.
func (s *Synchronizer) Bindings() []Binding {
	s.mu.RLock()
	out := make([]Binding, 0, len(s.byName))
	for _, b := range s.byName {
		out = append(out, b)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// removeLocked drops a binding from the table and reports whether it
// existed. The caller queues the registrar removal.
func (s *Synchronizer) removeLocked(name string) bool {
	b, ok := s.byName[name]
	if !ok {
		return false
	}
	delete(s.byName, name)
	if names := s.byProvider[b.ProviderID]; names != nil {
		delete(names, name)
		if len(names) == 0 {
			delete(s.byProvider, b.ProviderID)
		}
	}
	return true
}

func describe(provider Provider, skill Skill) string {
	var b strings.Builder
	name := skill.Name
	if name == "" {
		name = skill.ID
	}
	fmt.Fprintf(&b, "%s skill of agent %s.", name, provider.Name)
	if d := strings.TrimSpace(skill.Description); d != "" {
		b.WriteString(" ")
		b.WriteString(d)
	}
	if len(skill.Tags) > 0 {
		b.WriteString(" Tags: ")
		b.WriteString(strings.Join(skill.Tags, ", "))
		b.WriteString(".")
	}
	return b.String()
}
