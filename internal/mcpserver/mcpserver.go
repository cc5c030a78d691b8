// Package mcpserver exposes the session registry as Model Context Protocol
// tools, so agents can discover devices and drive streams with the same
// operations the HTTP API offers.
//
// Tool results mirror the host contract: opens report id -1 on failure and
// control tools report ok=false with the reason instead of failing the call.
// Only malformed arguments produce tool errors.
package mcpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/orchestra/internal/observe"
	"github.com/MrWong99/orchestra/internal/registry"
	"github.com/MrWong99/orchestra/internal/session"
	"github.com/MrWong99/orchestra/pkg/audio"
)

// Server registers the orchestra tools on an MCP server.
type Server struct {
	reg  *registry.Registry
	life *registry.Lifecycle
	srv  *mcp.Server
}

// New builds the MCP server for reg.
func New(reg *registry.Registry, version string) *Server {
	s := &Server{
		reg:  reg,
		life: registry.NewLifecycle(reg),
		srv:  mcp.NewServer(&mcp.Implementation{Name: "orchestra", Version: version}, nil),
	}
	s.register()
	return s
}

// MCP returns the underlying server, for connecting custom transports.
func (s *Server) MCP() *mcp.Server { return s.srv }

// Handler serves the tools over the streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.srv }, nil)
}

func (s *Server) register() {
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "list_devices",
		Description: "List the audio devices the daemon can open, optionally filtered by direction.",
	}, s.listDevices)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "list_sessions",
		Description: "List every open stream session with its state and counters.",
	}, s.listSessions)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "open_stream",
		Description: "Open an input or output stream on a device. Returns the session id, or -1 with the reason.",
	}, s.openStream)

	for _, c := range []struct {
		name, desc string
		op         func(audio.SessionID) error
	}{
		{"start_stream", "Start a created or paused stream.", s.reg.Start},
		{"stop_stream", "Stop a stream and release its device. The session stays listed until closed.", s.reg.Stop},
		{"pause_stream", "Pause a running stream while keeping its device.", s.reg.Pause},
		{"resume_stream", "Resume a paused stream.", s.reg.Resume},
		{"close_stream", "Stop a stream if needed and remove its session.", s.reg.Close},
	} {
		mcp.AddTool(s.srv, &mcp.Tool{Name: c.name, Description: c.desc}, s.control(c.name, c.op))
	}

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "host_lifecycle",
		Description: "Deliver a host lifecycle event (create, start, restart, pause, resume, stop, destroy) to every session.",
	}, s.hostLifecycle)
}

// Device is the tool view of an [audio.DeviceInfo].
type Device struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	SampleRates []int    `json:"sample_rates"`
	Channels    []string `json:"channels"`
	Formats     []string `json:"formats"`
	Default     bool     `json:"default"`
}

// Session is the tool view of a [session.Info].
type Session struct {
	ID          int    `json:"id"`
	Direction   string `json:"direction"`
	DeviceID    int    `json:"device_id"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	ChunkFrames int    `json:"chunk_frames"`
	State       string `json:"state"`
	Chunks      uint64 `json:"chunks"`
	XRuns       uint64 `json:"xruns"`
	PositionMS  int64  `json:"position_ms"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type listDevicesIn struct {
	Direction string `json:"direction,omitempty" jsonschema:"only list devices of this direction: input or output"`
}

// DevicesOut is the result of list_devices.
type DevicesOut struct {
	Devices []Device `json:"devices"`
}

// SessionsOut is the result of list_sessions and host_lifecycle.
type SessionsOut struct {
	Sessions []Session `json:"sessions"`
}

type openIn struct {
	Direction   string `json:"direction" jsonschema:"input to capture or output to play"`
	Device      string `json:"device,omitempty" jsonschema:"device name, matched approximately; wins over device_id"`
	DeviceID    *int   `json:"device_id,omitempty" jsonschema:"device id from list_devices"`
	SampleRate  int    `json:"sample_rate" jsonschema:"sample rate in Hz"`
	Channels    int    `json:"channels" jsonschema:"interleaved channel count"`
	Format      string `json:"format,omitempty" jsonschema:"sample format; only int16 is supported"`
	ChunkFrames int    `json:"chunk_frames,omitempty" jsonschema:"frames per chunk; 0 uses the daemon default"`
	Start       bool   `json:"start,omitempty" jsonschema:"start the stream right after opening it"`
}

// OpenOut is the result of open_stream. ID is -1 on failure.
type OpenOut struct {
	ID    int    `json:"id"`
	Error string `json:"error,omitempty"`
}

type idIn struct {
	ID int `json:"id" jsonschema:"session id returned by open_stream"`
}

// ControlOut is the result of the per-session control tools.
type ControlOut struct {
	OK    bool   `json:"ok"`
	State string `json:"state,omitempty"`
	Error string `json:"error,omitempty"`
}

type hostIn struct {
	Event string `json:"event" jsonschema:"create, start, restart, pause, resume, stop or destroy"`
}

func (s *Server) listDevices(_ context.Context, _ *mcp.CallToolRequest, in listDevicesIn) (*mcp.CallToolResult, DevicesOut, error) {
	var dir audio.Direction
	if in.Direction != "" {
		d, err := audio.ParseDirection(in.Direction)
		if err != nil {
			return nil, DevicesOut{}, err
		}
		dir = d
	}
	out := DevicesOut{Devices: []Device{}}
	for _, d := range s.reg.Devices() {
		if dir != 0 && d.Direction != dir {
			continue
		}
		out.Devices = append(out.Devices, toDevice(d))
	}
	return nil, out, nil
}

func (s *Server) listSessions(context.Context, *mcp.CallToolRequest, struct{}) (*mcp.CallToolResult, SessionsOut, error) {
	return nil, s.sessions(), nil
}

func (s *Server) openStream(ctx context.Context, _ *mcp.CallToolRequest, in openIn) (*mcp.CallToolResult, OpenOut, error) {
	ctx, span, log := observe.StartControl(ctx, "mcp", "open", audio.InvalidSession)
	dir, err := audio.ParseDirection(in.Direction)
	if err != nil {
		observe.EndControl(span, audio.InvalidSession, err)
		return nil, OpenOut{}, err
	}

	fail := func(err error) (*mcp.CallToolResult, OpenOut, error) {
		observe.EndControl(span, audio.InvalidSession, err)
		log.Warn("mcp: open_stream failed", "direction", dir.String(), "err", err)
		return nil, OpenOut{ID: int(audio.InvalidSession), Error: err.Error()}, nil
	}

	var deviceID int
	switch {
	case in.Device != "":
		d, ok := s.reg.FindDevice(in.Device, dir)
		if !ok {
			return fail(fmt.Errorf("mcp: %w: no %s device matches %q", audio.ErrDeviceNotFound, dir, in.Device))
		}
		deviceID = d.ID
	case in.DeviceID != nil:
		deviceID = *in.DeviceID
	default:
		return fail(fmt.Errorf("mcp: %w: device or device_id is required", audio.ErrDeviceNotFound))
	}

	id, err := s.reg.Open(ctx, dir, audio.StreamConfig{
		DeviceID:    deviceID,
		SampleRate:  in.SampleRate,
		Channels:    in.Channels,
		Format:      audio.SampleFormat(in.Format),
		ChunkFrames: in.ChunkFrames,
	})
	if err != nil {
		return fail(err)
	}
	if in.Start {
		if err := s.reg.Start(id); err != nil {
			_ = s.reg.Close(id)
			return fail(err)
		}
	}
	observe.EndControl(span, id, nil)
	return nil, OpenOut{ID: int(id)}, nil
}

func (s *Server) control(name string, op func(audio.SessionID) error) mcp.ToolHandlerFor[idIn, ControlOut] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in idIn) (*mcp.CallToolResult, ControlOut, error) {
		id := audio.SessionID(in.ID)
		_, span, log := observe.StartControl(ctx, "mcp", strings.TrimSuffix(name, "_stream"), id)
		err := op(id)
		observe.EndControl(span, id, err)
		if err != nil {
			log.Warn("mcp: "+name+" failed", "err", err)
			return nil, ControlOut{Error: err.Error()}, nil
		}
		out := ControlOut{OK: true}
		if info, ok := s.reg.Session(id); ok {
			out.State = info.State.String()
		}
		return nil, out, nil
	}
}

func (s *Server) hostLifecycle(ctx context.Context, _ *mcp.CallToolRequest, in hostIn) (*mcp.CallToolResult, SessionsOut, error) {
	ev, err := registry.ParseHostEvent(in.Event)
	if err != nil {
		return nil, SessionsOut{}, err
	}
	if err := s.life.Handle(ctx, ev); err != nil {
		observe.Logger(ctx).Error("mcp: host event failed", "event", string(ev), "err", err)
		return nil, SessionsOut{}, err
	}
	return nil, s.sessions(), nil
}

func (s *Server) sessions() SessionsOut {
	infos := s.reg.Sessions()
	out := SessionsOut{Sessions: make([]Session, 0, len(infos))}
	for _, info := range infos {
		out.Sessions = append(out.Sessions, toSession(info))
	}
	return out
}

func toDevice(d audio.DeviceInfo) Device {
	formats := make([]string, len(d.Formats))
	for i, f := range d.Formats {
		formats[i] = string(f)
	}
	return Device{
		ID:          d.ID,
		Name:        d.Name,
		Type:        d.Direction.String(),
		SampleRates: append([]int{}, d.SampleRates...),
		Channels:    append([]string{}, d.Channels...),
		Formats:     formats,
		Default:     d.Default,
	}
}

func toSession(info session.Info) Session {
	return Session{
		ID:          int(info.ID),
		Direction:   info.Direction.String(),
		DeviceID:    info.Config.DeviceID,
		SampleRate:  info.Config.SampleRate,
		Channels:    info.Config.Channels,
		ChunkFrames: info.Config.ChunkFrames,
		State:       info.State.String(),
		Chunks:      info.Chunks,
		XRuns:       info.XRuns,
		PositionMS:  info.Position.Milliseconds(),
		Error:       info.Error,
		CreatedAt:   info.CreatedAt.Format(time.RFC3339Nano),
	}
}
