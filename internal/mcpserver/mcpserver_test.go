package mcpserver_test

import (
	"context"
	"encoding/json"
	"slices"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/orchestra/internal/engine"
	enginemock "github.com/MrWong99/orchestra/internal/engine/mock"
	"github.com/MrWong99/orchestra/internal/mcpserver"
	"github.com/MrWong99/orchestra/internal/registry"
	"github.com/MrWong99/orchestra/pkg/audio"
	"github.com/MrWong99/orchestra/pkg/audio/mock"
)

func connect(t *testing.T) (*mcp.ClientSession, *registry.Registry) {
	t.Helper()
	ctx := context.Background()

	gw, err := engine.NewGateway(&enginemock.Engine{})
	if err != nil {
		t.Fatalf("NewGateway() error: %v", err)
	}
	reg, err := registry.New(registry.Config{
		Backend: &mock.Backend{DevicesResult: mock.Devices(), StreamDelay: time.Millisecond},
		Gateway: gw,
	})
	if err != nil {
		t.Fatalf("registry.New() error: %v", err)
	}
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	srv := mcpserver.New(reg, "test")
	st, ct := mcp.NewInMemoryTransports()
	ss, err := srv.MCP().Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server Connect() error: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client Connect() error: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs, reg
}

// call invokes tool and decodes its structured result into out.
func call(t *testing.T, cs *mcp.ClientSession, tool string, args map[string]any, out any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s) error: %v", tool, err)
	}
	if res.IsError || out == nil {
		return res
	}
	var data []byte
	if res.StructuredContent != nil {
		data, err = json.Marshal(res.StructuredContent)
		if err != nil {
			t.Fatalf("marshal structured content: %v", err)
		}
	} else if len(res.Content) > 0 {
		tc, ok := res.Content[0].(*mcp.TextContent)
		if !ok {
			t.Fatalf("CallTool(%s) content = %T, want text", tool, res.Content[0])
		}
		data = []byte(tc.Text)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode %s result %s: %v", tool, data, err)
	}
	return res
}

func TestListTools(t *testing.T) {
	t.Parallel()
	cs, _ := connect(t)

	res, err := cs.ListTools(context.Background(), &mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools() error: %v", err)
	}
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	slices.Sort(names)
	want := []string{
		"close_stream", "host_lifecycle", "list_devices", "list_sessions",
		"open_stream", "pause_stream", "resume_stream", "start_stream", "stop_stream",
	}
	if !slices.Equal(names, want) {
		t.Errorf("tools = %v, want %v", names, want)
	}
}

func TestListDevices(t *testing.T) {
	t.Parallel()
	cs, _ := connect(t)

	tests := []struct {
		direction string
		want      []string
	}{
		{direction: "", want: []string{"speaker", "microphone"}},
		{direction: "input", want: []string{"microphone"}},
		{direction: "output", want: []string{"speaker"}},
	}
	for _, tc := range tests {
		var out mcpserver.DevicesOut
		args := map[string]any{}
		if tc.direction != "" {
			args["direction"] = tc.direction
		}
		call(t, cs, "list_devices", args, &out)
		var got []string
		for _, d := range out.Devices {
			got = append(got, d.Name)
		}
		if !slices.Equal(got, tc.want) {
			t.Errorf("list_devices(%q) = %v, want %v", tc.direction, got, tc.want)
		}
	}

	res := call(t, cs, "list_devices", map[string]any{"direction": "sideways"}, nil)
	if !res.IsError {
		t.Error("list_devices(sideways) IsError = false, want true")
	}
}

func TestStreamLifecycle(t *testing.T) {
	t.Parallel()
	cs, reg := connect(t)

	var opened mcpserver.OpenOut
	call(t, cs, "open_stream", map[string]any{
		"direction": "output", "device": "speakr", "sample_rate": 48000, "channels": 2,
	}, &opened)
	if opened.ID != 0 || opened.Error != "" {
		t.Fatalf("open_stream = %+v, want id 0", opened)
	}
	id := map[string]any{"id": opened.ID}

	steps := []struct {
		tool      string
		wantOK    bool
		wantState string
	}{
		{"start_stream", true, "running"},
		{"start_stream", false, ""},
		{"pause_stream", true, "paused"},
		{"resume_stream", true, "running"},
		{"stop_stream", true, "stopped"},
		{"resume_stream", false, ""},
		{"close_stream", true, ""},
		{"close_stream", false, ""},
	}
	for _, st := range steps {
		var out mcpserver.ControlOut
		call(t, cs, st.tool, id, &out)
		if out.OK != st.wantOK || out.State != st.wantState {
			t.Errorf("%s = %+v, want ok=%v state=%q", st.tool, out, st.wantOK, st.wantState)
		}
		if !out.OK && out.Error == "" {
			t.Errorf("%s failed without an error message", st.tool)
		}
	}

	if n := len(reg.Sessions()); n != 0 {
		t.Errorf("len(Sessions()) = %d after close, want 0", n)
	}
}

func TestOpenStreamFailures(t *testing.T) {
	t.Parallel()
	cs, reg := connect(t)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"unknown id", map[string]any{"direction": "output", "device_id": 9, "sample_rate": 48000, "channels": 2}},
		{"unknown name", map[string]any{"direction": "output", "device": "subwoofer", "sample_rate": 48000, "channels": 2}},
		{"no device", map[string]any{"direction": "output", "sample_rate": 48000, "channels": 2}},
		{"bad rate", map[string]any{"direction": "input", "device_id": 1, "sample_rate": 11025, "channels": 1}},
		{"too many channels", map[string]any{"direction": "input", "device_id": 1, "sample_rate": 48000, "channels": 8}},
	}
	for _, tc := range tests {
		var out mcpserver.OpenOut
		call(t, cs, "open_stream", tc.args, &out)
		if out.ID != int(audio.InvalidSession) || out.Error == "" {
			t.Errorf("open_stream(%s) = %+v, want id -1 with an error", tc.name, out)
		}
	}
	if n := len(reg.Sessions()); n != 0 {
		t.Errorf("failed opens registered %d sessions", n)
	}

	// Failures consume no ids.
	var out mcpserver.OpenOut
	call(t, cs, "open_stream", map[string]any{"direction": "input", "device_id": 1, "sample_rate": 16000, "channels": 1, "start": true}, &out)
	if out.ID != 0 {
		t.Errorf("open_stream after failures = %+v, want id 0", out)
	}
	if info, _ := reg.Session(0); info.State.String() != "running" {
		t.Errorf("open_stream(start) state = %s, want running", info.State)
	}
}

func TestHostLifecycle(t *testing.T) {
	t.Parallel()
	cs, _ := connect(t)

	for range 2 {
		var out mcpserver.OpenOut
		call(t, cs, "open_stream", map[string]any{"direction": "output", "device_id": 0, "sample_rate": 48000, "channels": 2, "start": true}, &out)
	}

	tests := []struct {
		event string
		want  string
	}{
		{"pause", "paused"},
		{"resume", "running"},
		{"stop", "stopped"},
	}
	for _, tc := range tests {
		var out mcpserver.SessionsOut
		call(t, cs, "host_lifecycle", map[string]any{"event": tc.event}, &out)
		if len(out.Sessions) != 2 {
			t.Fatalf("host_lifecycle(%s) returned %d sessions, want 2", tc.event, len(out.Sessions))
		}
		for _, s := range out.Sessions {
			if s.State != tc.want {
				t.Errorf("host_lifecycle(%s): session %d = %s, want %s", tc.event, s.ID, s.State, tc.want)
			}
		}
	}

	var out mcpserver.SessionsOut
	call(t, cs, "host_lifecycle", map[string]any{"event": "destroy"}, &out)
	if len(out.Sessions) != 0 {
		t.Errorf("host_lifecycle(destroy) left %d sessions, want 0", len(out.Sessions))
	}

	if res := call(t, cs, "host_lifecycle", map[string]any{"event": "explode"}, nil); !res.IsError {
		t.Error("host_lifecycle(explode) IsError = false, want true")
	}
}
