// Package plugins exposes the tools of external MCP servers as agents. Each
// configured server is launched as a subprocess and every tool it lists is
// registered as "<plugin>.<tool>".
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/ensemble/internal/agents"
	"github.com/rendis/ensemble/internal/observability"
	"github.com/rendis/ensemble/pkg/schema"
)

const (
	protocolVersion     = "2024-11-05"
	healthCheckInterval = 30 * time.Second
	unhealthyAfter      = 3
)

// Plugin states reported by Status.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Config describes how to launch one MCP server.
type Config struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// Tools limits which tools become agents; empty registers all.
	Tools []string `json:"tools,omitempty"`
}

// Manager owns the plugin connections and their registered agents.
type Manager struct {
	registry *agents.Registry
	obs      *observability.Context
	version  string

	mu      sync.RWMutex
	plugins map[string]*plugin
}

type plugin struct {
	cfg      Config
	client   Client
	agents   []string
	status   string
	errCount int
	cancel   context.CancelFunc
}

func NewManager(registry *agents.Registry, obs *observability.Context, version string) *Manager {
	if obs == nil {
		obs = observability.Nop()
	}
	return &Manager{registry: registry, obs: obs, version: version, plugins: make(map[string]*plugin)}
}

// Load launches cfg.Command and registers its tools.
func (m *Manager) Load(ctx context.Context, cfg Config) error {
	if cfg.Command == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "plugin %q has no command", cfg.Name)
	}
	c, err := client.NewStdioMCPClient(cfg.Command, envList(cfg.Env), cfg.Args...)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeAgentUnavailable, "start plugin %q", cfg.Name).WithCause(err)
	}
	if err := c.Start(ctx); err != nil {
		c.Close()
		return schema.NewErrorf(schema.ErrCodeAgentUnavailable, "start plugin %q", cfg.Name).WithCause(err)
	}
	return m.Attach(ctx, cfg, c)
}

// Attach performs the MCP handshake on an already started client and
// registers its tools. The manager owns c afterwards.
func (m *Manager) Attach(ctx context.Context, cfg Config, c Client) error {
	if cfg.Name == "" {
		c.Close()
		return schema.NewError(schema.ErrCodeValidation, "plugin must have a name")
	}
	m.mu.Lock()
	if _, exists := m.plugins[cfg.Name]; exists {
		m.mu.Unlock()
		c.Close()
		return schema.NewErrorf(schema.ErrCodeConflict, "plugin %q already loaded", cfg.Name)
	}
	m.mu.Unlock()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{Name: "ensemble", Version: m.version}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return schema.NewErrorf(schema.ErrCodeAgentUnavailable, "handshake with plugin %q", cfg.Name).WithCause(err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return schema.NewErrorf(schema.ErrCodeAgentUnavailable, "list tools of plugin %q", cfg.Name).WithCause(err)
	}

	p := &plugin{cfg: cfg, client: c, status: StatusHealthy}
	for _, tool := range listed.Tools {
		if len(cfg.Tools) > 0 && !slices.Contains(cfg.Tools, tool.Name) {
			continue
		}
		a := newToolAgent(cfg.Name, tool, c)
		if err := m.registry.Register(a); err != nil {
			m.unregister(p)
			c.Close()
			return err
		}
		p.agents = append(p.agents, a.Name())
	}

	checkCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	m.mu.Lock()
	m.plugins[cfg.Name] = p
	m.mu.Unlock()
	go m.healthCheckLoop(checkCtx, p)

	m.obs.Logger.Info("plugin loaded", slog.String("plugin", cfg.Name), slog.Int("agents", len(p.agents)))
	return nil
}

func (m *Manager) healthCheckLoop(ctx context.Context, p *plugin) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, p)
		}
	}
}

// check pings p once. Three consecutive failures mark it unhealthy; its
// agents stay registered and fail on call until the plugin answers again.
func (m *Manager) check(ctx context.Context, p *plugin) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := p.client.Ping(pingCtx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		if p.status != StatusHealthy {
			m.obs.Logger.Info("plugin recovered", slog.String("plugin", p.cfg.Name))
		}
		p.errCount = 0
		p.status = StatusHealthy
		return
	}
	p.errCount++
	if p.errCount >= unhealthyAfter && p.status != StatusUnhealthy {
		p.status = StatusUnhealthy
		m.obs.Logger.Warn("plugin unhealthy",
			slog.String("plugin", p.cfg.Name),
			slog.Int("consecutive_errors", p.errCount),
			slog.String("error", err.Error()))
	}
}

// Stop unregisters the plugin's agents and closes its connection.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	p, ok := m.plugins[name]
	delete(m.plugins, name)
	m.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "plugin %q not loaded", name)
	}
	p.cancel()
	m.unregister(p)
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close plugin %q: %w", name, err)
	}
	m.obs.Logger.Info("plugin stopped", slog.String("plugin", name))
	return nil
}

// Close stops every plugin and returns the last error.
func (m *Manager) Close() error {
	var lastErr error
	for _, name := range m.Names() {
		if err := m.Stop(name); err != nil {
			lastErr = err
			m.obs.Logger.Warn("stop plugin failed", slog.String("plugin", name), slog.String("error", err.Error()))
		}
	}
	return lastErr
}

// Names lists loaded plugins in order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status maps each plugin to healthy or unhealthy.
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.plugins))
	for name, p := range m.plugins {
		out[name] = p.status
	}
	return out
}

// Agents lists the agent names registered for plugin name.
func (m *Manager) Agents(name string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.plugins[name]; ok {
		return slices.Clone(p.agents)
	}
	return nil
}

func (m *Manager) unregister(p *plugin) {
	for _, name := range p.agents {
		m.registry.Unregister(name)
	}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// toolAgent calls one MCP tool.
type toolAgent struct {
	name        string
	tool        string
	description string
	inputSchema json.RawMessage
	client      Client
}

func newToolAgent(pluginName string, tool mcp.Tool, c Client) *toolAgent {
	a := &toolAgent{
		name:        pluginName + "." + tool.Name,
		tool:        tool.Name,
		description: tool.Description,
		client:      c,
	}
	if len(tool.RawInputSchema) > 0 {
		a.inputSchema = tool.RawInputSchema
	} else if len(tool.InputSchema.Properties) > 0 {
		if raw, err := json.Marshal(tool.InputSchema); err == nil {
			a.inputSchema = raw
		}
	}
	return a
}

func (a *toolAgent) Name() string { return a.name }

func (a *toolAgent) Describe() agents.Descriptor {
	return agents.Descriptor{Description: a.description, InputSchema: a.inputSchema}
}

// Execute forwards the step input as tool arguments. Tool-level errors
// become a failed result; transport errors are returned for retry.
func (a *toolAgent) Execute(ctx context.Context, ec agents.ExecutionContext) (*agents.Result, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = a.tool
	req.Params.Arguments = ec.Input

	res, err := a.client.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "call %s", a.name).WithCause(err)
	}
	text := textOf(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return agents.Failed(text), nil
	}
	if res.StructuredContent != nil {
		return agents.OK(res.StructuredContent), nil
	}
	return agents.OK(decodeText(text)), nil
}

func textOf(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if t, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// decodeText returns JSON text as a value and anything else as {"text": s}.
func decodeText(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return map[string]any{"text": s}
}
