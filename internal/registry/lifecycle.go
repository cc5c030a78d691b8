package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// HostEvent is a lifecycle notification from the host application.
type HostEvent string

const (
	HostCreate  HostEvent = "create"
	HostStart   HostEvent = "start"
	HostRestart HostEvent = "restart"
	HostPause   HostEvent = "pause"
	HostResume  HostEvent = "resume"
	HostStop    HostEvent = "stop"
	HostDestroy HostEvent = "destroy"
)

// HostEvents lists every event in lifecycle order.
var HostEvents = []HostEvent{HostCreate, HostStart, HostRestart, HostPause, HostResume, HostStop, HostDestroy}

// ParseHostEvent parses a case-insensitive event name.
func ParseHostEvent(s string) (HostEvent, error) {
	ev := HostEvent(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range HostEvents {
		if ev == known {
			return ev, nil
		}
	}
	return "", fmt.Errorf("registry: unknown host event %q", s)
}

// Lifecycle maps host lifecycle callbacks onto registry broadcasts. Create,
// start and restart need no action: sessions are opened and started
// explicitly.
type Lifecycle struct {
	r *Registry
}

// NewLifecycle wraps r.
func NewLifecycle(r *Registry) *Lifecycle { return &Lifecycle{r: r} }

func (l *Lifecycle) OnCreate(context.Context) error  { return nil }
func (l *Lifecycle) OnStart(context.Context) error   { return nil }
func (l *Lifecycle) OnRestart(context.Context) error { return nil }

// OnPause pauses every running session.
func (l *Lifecycle) OnPause(ctx context.Context) error { return l.r.OnHostPause(ctx) }

// OnResume resumes the sessions paused by OnPause.
func (l *Lifecycle) OnResume(ctx context.Context) error { return l.r.OnHostResume(ctx) }

// OnStop stops every session.
func (l *Lifecycle) OnStop(ctx context.Context) error { return l.r.StopAll(ctx) }

// OnDestroy stops and closes every session.
func (l *Lifecycle) OnDestroy(ctx context.Context) error { return l.r.Shutdown(ctx) }

// Handle dispatches ev to the matching callback.
func (l *Lifecycle) Handle(ctx context.Context, ev HostEvent) error {
	slog.Debug("host lifecycle event", "event", string(ev))
	switch ev {
	case HostCreate:
		return l.OnCreate(ctx)
	case HostStart:
		return l.OnStart(ctx)
	case HostRestart:
		return l.OnRestart(ctx)
	case HostPause:
		return l.OnPause(ctx)
	case HostResume:
		return l.OnResume(ctx)
	case HostStop:
		return l.OnStop(ctx)
	case HostDestroy:
		return l.OnDestroy(ctx)
	default:
		return fmt.Errorf("registry: unknown host event %q", ev)
	}
}
