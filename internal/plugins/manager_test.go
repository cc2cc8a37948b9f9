package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/internal/agents"
	"github.com/rendis/ensemble/pkg/schema"
)

// newToolServer is an in-process MCP server with a JSON tool, a plain text
// tool and a failing tool.
func newToolServer() *server.MCPServer {
	srv := server.NewMCPServer("tools", "test", server.WithToolCapabilities(false))
	srv.AddTool(
		mcp.NewTool("sum", mcp.WithDescription("Add a and b"), mcp.WithNumber("a", mcp.Required()), mcp.WithNumber("b", mcp.Required())),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			a, _ := args["a"].(float64)
			b, _ := args["b"].(float64)
			out, _ := json.Marshal(map[string]any{"total": a + b})
			return mcp.NewToolResultText(string(out)), nil
		},
	)
	srv.AddTool(mcp.NewTool("shout", mcp.WithString("text")),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(req.GetString("text", "") + "!"), nil
		},
	)
	srv.AddTool(mcp.NewTool("broken"),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("disk full"), nil
		},
	)
	return srv
}

func attach(t *testing.T, m *Manager, cfg Config) {
	t.Helper()
	ctx := context.Background()
	c, err := client.NewInProcessClient(newToolServer())
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	require.NoError(t, m.Attach(ctx, cfg, c))
}

func TestAttach_RegistersToolsAsAgents(t *testing.T) {
	reg := agents.NewRegistry()
	m := NewManager(reg, nil, "test")
	attach(t, m, Config{Name: "calc"})
	defer m.Close()

	assert.Equal(t, []string{"calc"}, m.Names())
	assert.ElementsMatch(t, []string{"calc.sum", "calc.shout", "calc.broken"}, m.Agents("calc"))
	assert.Equal(t, map[string]string{"calc": StatusHealthy}, m.Status())

	a, err := reg.Agent("calc.sum")
	require.NoError(t, err)
	desc := a.(agents.Describer).Describe()
	assert.Equal(t, "Add a and b", desc.Description)
	assert.Contains(t, string(desc.InputSchema), `"a"`)
}

func TestAttach_ToolFilter(t *testing.T) {
	reg := agents.NewRegistry()
	m := NewManager(reg, nil, "test")
	attach(t, m, Config{Name: "calc", Tools: []string{"sum"}})
	defer m.Close()

	assert.Equal(t, []string{"calc.sum"}, m.Agents("calc"))
	assert.False(t, reg.HasAgent("calc.shout"))
}

func TestToolAgent_Execute(t *testing.T) {
	reg := agents.NewRegistry()
	m := NewManager(reg, nil, "test")
	attach(t, m, Config{Name: "calc"})
	defer m.Close()
	ctx := context.Background()

	sum, err := reg.Agent("calc.sum")
	require.NoError(t, err)
	res, err := agents.Run(ctx, sum, agents.ExecutionContext{Step: "add", Input: map[string]any{"a": 2.0, "b": 3.0}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": float64(5)}, res.Data)

	shout, err := reg.Agent("calc.shout")
	require.NoError(t, err)
	res, err = agents.Run(ctx, shout, agents.ExecutionContext{Step: "s", Input: map[string]any{"text": "hey"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "hey!"}, res.Data)

	broken, err := reg.Agent("calc.broken")
	require.NoError(t, err)
	_, err = agents.Run(ctx, broken, agents.ExecutionContext{Step: "b"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepExecution))
	assert.Contains(t, err.Error(), "disk full")
}

func TestAttach_DuplicateName(t *testing.T) {
	m := NewManager(agents.NewRegistry(), nil, "test")
	attach(t, m, Config{Name: "calc"})
	defer m.Close()

	c, err := client.NewInProcessClient(newToolServer())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	err = m.Attach(context.Background(), Config{Name: "calc"}, c)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestAttach_AgentNameClashRollsBack(t *testing.T) {
	reg := agents.NewRegistry()
	require.NoError(t, reg.Register(agents.Func{AgentName: "calc.shout"}))
	m := NewManager(reg, nil, "test")

	c, err := client.NewInProcessClient(newToolServer())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	err = m.Attach(context.Background(), Config{Name: "calc"}, c)
	require.Error(t, err)

	assert.Empty(t, m.Names())
	assert.False(t, reg.HasAgent("calc.sum"))
	assert.False(t, reg.HasAgent("calc.broken"), "agents registered before the clash are removed")
	assert.True(t, reg.HasAgent("calc.shout"))
}

func TestStop_UnregistersAgents(t *testing.T) {
	reg := agents.NewRegistry()
	m := NewManager(reg, nil, "test")
	attach(t, m, Config{Name: "calc"})

	require.NoError(t, m.Stop("calc"))
	assert.False(t, reg.HasAgent("calc.sum"))
	assert.Empty(t, m.Names())

	err := m.Stop("calc")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestLoad_RequiresCommand(t *testing.T) {
	m := NewManager(agents.NewRegistry(), nil, "test")
	err := m.Load(context.Background(), Config{Name: "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

type flakyClient struct {
	Client
	pingErr error
}

func (f *flakyClient) Ping(context.Context) error { return f.pingErr }

func TestCheck_MarksUnhealthyAfterRepeatedFailures(t *testing.T) {
	m := NewManager(agents.NewRegistry(), nil, "test")
	fc := &flakyClient{pingErr: errors.New("eof")}
	p := &plugin{cfg: Config{Name: "flaky"}, client: fc, status: StatusHealthy}
	m.plugins["flaky"] = p

	for range unhealthyAfter - 1 {
		m.check(context.Background(), p)
	}
	assert.Equal(t, StatusHealthy, m.Status()["flaky"])

	m.check(context.Background(), p)
	assert.Equal(t, StatusUnhealthy, m.Status()["flaky"])

	fc.pingErr = nil
	m.check(context.Background(), p)
	assert.Equal(t, StatusHealthy, m.Status()["flaky"])
}

func TestDecodeText(t *testing.T) {
	assert.Equal(t, map[string]any{"ok": true}, decodeText(`{"ok":true}`))
	assert.Equal(t, []any{float64(1)}, decodeText(`[1]`))
	assert.Equal(t, map[string]any{"text": "plain"}, decodeText("plain"))
}
