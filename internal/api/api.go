// Package api serves the HTTP control surface of the orchestra daemon: device
// discovery, session control, host lifecycle broadcasts, the session journal
// and a WebSocket feed of registry events.
//
// All routes live under /api/v1 and speak JSON. Failed opens answer with the
// same shape as a successful one, carrying id -1, so clients can treat the
// id as the only success signal.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/orchestra/internal/journal"
	"github.com/MrWong99/orchestra/internal/observe"
	"github.com/MrWong99/orchestra/internal/registry"
	"github.com/MrWong99/orchestra/internal/session"
	"github.com/MrWong99/orchestra/pkg/audio"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// Config holds the dependencies of a [Server].
type Config struct {
	// Registry is the session registry. Required.
	Registry *registry.Registry

	// Journal serves GET /api/v1/journal. Nil disables the route.
	Journal journal.Store

	// EventBuffer is the per-client buffer of the events WebSocket.
	// Default: 64.
	EventBuffer int

	// WriteTimeout bounds each WebSocket frame write. Default: 5s.
	WriteTimeout time.Duration
}

// Server is the HTTP control API. It is safe for concurrent use.
type Server struct {
	reg          *registry.Registry
	life         *registry.Lifecycle
	journal      journal.Store
	eventBuffer  int
	writeTimeout time.Duration
}

// New builds a [Server]. It panics if cfg.Registry is nil.
func New(cfg Config) *Server {
	if cfg.Registry == nil {
		panic("api: nil registry")
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Server{
		reg:          cfg.Registry,
		life:         registry.NewLifecycle(cfg.Registry),
		journal:      cfg.Journal,
		eventBuffer:  cfg.EventBuffer,
		writeTimeout: cfg.WriteTimeout,
	}
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/devices", s.listDevices)
	mux.HandleFunc("GET /api/v1/devices/{id}", s.getDevice)

	mux.HandleFunc("POST /api/v1/sessions", s.openSession)
	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.closeSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/{op}", s.controlSession)

	mux.HandleFunc("POST /api/v1/host/{event}", s.hostEvent)

	mux.HandleFunc("GET /api/v1/events", s.events)
	if s.journal != nil {
		mux.HandleFunc("GET /api/v1/journal", s.listJournal)
	}
}

// Handler returns a mux serving only the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func (s *Server) listDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.reg.Devices()
	if devices == nil {
		devices = []audio.DeviceInfo{}
	}
	writeJSON(w, http.StatusOK, devices)
}

// getDevice answers 200 with "{}" for unknown ids, mirroring
// [registry.Registry.DeviceProperties].
func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("device id must be an integer"))
		return
	}
	writeJSON(w, http.StatusOK, s.reg.DeviceProperties(id))
}

// OpenRequest is the body of POST /api/v1/sessions. DeviceName is matched
// approximately and wins over DeviceID. With neither set, the default
// device for the direction is used.
type OpenRequest struct {
	Direction   audio.Direction    `json:"direction"`
	DeviceID    *int               `json:"device_id,omitempty"`
	DeviceName  string             `json:"device_name,omitempty"`
	SampleRate  int                `json:"sample_rate"`
	Channels    int                `json:"channels"`
	Format      audio.SampleFormat `json:"format,omitempty"`
	ChunkFrames int                `json:"chunk_frames,omitempty"`
}

// OpenResponse is returned for every open attempt. ID is -1 on failure.
type OpenResponse struct {
	ID    audio.SessionID `json:"id"`
	Error string          `json:"error,omitempty"`
}

func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	ctx, span, log := observe.StartControl(r.Context(), "http", "open", audio.InvalidSession)
	id := audio.InvalidSession
	var err error
	defer func() { observe.EndControl(span, id, err) }()

	var req OpenRequest
	if err = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, OpenResponse{ID: audio.InvalidSession, Error: "invalid request body: " + err.Error()})
		return
	}

	var deviceID int
	deviceID, err = s.resolveDevice(req)
	if err == nil {
		id, err = s.reg.Open(ctx, req.Direction, audio.StreamConfig{
			DeviceID:    deviceID,
			SampleRate:  req.SampleRate,
			Channels:    req.Channels,
			Format:      req.Format,
			ChunkFrames: req.ChunkFrames,
		})
		if err == nil {
			writeJSON(w, http.StatusCreated, OpenResponse{ID: id})
			return
		}
	}

	log.Warn("api: open failed", "direction", req.Direction.String(), "device_id", deviceID, "err", err)
	writeJSON(w, http.StatusUnprocessableEntity, OpenResponse{ID: audio.InvalidSession, Error: err.Error()})
}

func (s *Server) resolveDevice(req OpenRequest) (int, error) {
	if req.Direction != audio.DirectionInput && req.Direction != audio.DirectionOutput {
		return -1, errors.New("api: direction must be input or output")
	}
	switch {
	case req.DeviceName != "":
		d, ok := s.reg.FindDevice(req.DeviceName, req.Direction)
		if !ok {
			return -1, fmt.Errorf("api: %w: no %s device matches %q", audio.ErrDeviceNotFound, req.Direction, req.DeviceName)
		}
		return d.ID, nil
	case req.DeviceID != nil:
		return *req.DeviceID, nil
	}
	fallback := -1
	for _, d := range s.reg.Devices() {
		if d.Direction != req.Direction {
			continue
		}
		if d.Default {
			return d.ID, nil
		}
		if fallback < 0 {
			fallback = d.ID
		}
	}
	if fallback < 0 {
		return -1, fmt.Errorf("api: %w: no %s device available", audio.ErrDeviceNotFound, req.Direction)
	}
	return fallback, nil
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Sessions())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	info, found := s.reg.Session(id)
	if !found {
		writeError(w, http.StatusNotFound, registry.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	_, span, log := observe.StartControl(r.Context(), "http", "close", id)
	err := s.reg.Close(id)
	observe.EndControl(span, id, err)
	if err != nil {
		controlError(w, log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) controlSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var op func(audio.SessionID) error
	name := r.PathValue("op")
	switch name {
	case "start":
		op = s.reg.Start
	case "stop":
		op = s.reg.Stop
	case "pause":
		op = s.reg.Pause
	case "resume":
		op = s.reg.Resume
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown operation "+strconv.Quote(name)))
		return
	}
	_, span, log := observe.StartControl(r.Context(), "http", name, id)
	err := op(id)
	observe.EndControl(span, id, err)
	if err != nil {
		controlError(w, log, err)
		return
	}
	info, _ := s.reg.Session(id)
	writeJSON(w, http.StatusOK, info)
}

func controlError(w http.ResponseWriter, log *slog.Logger, err error) {
	log.Warn("api: control failed", "err", err)
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, session.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) hostEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := registry.ParseHostEvent(r.PathValue("event"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err := s.life.Handle(r.Context(), ev); err != nil {
		observe.Logger(r.Context()).Error("api: host event failed", "event", string(ev), "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.reg.Sessions())
}

func (s *Server) listJournal(w http.ResponseWriter, r *http.Request) {
	var f journal.Filter
	q := r.URL.Query()
	for _, v := range q["session"] {
		id, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("session must be an integer"))
			return
		}
		f.Sessions = append(f.Sessions, audio.SessionID(id))
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("since must be RFC 3339"))
			return
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}

	entries, err := s.journal.List(r.Context(), f)
	if err != nil {
		observe.Logger(r.Context()).Error("api: journal list failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func sessionID(w http.ResponseWriter, r *http.Request) (audio.SessionID, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("session id must be an integer"))
		return audio.InvalidSession, false
	}
	return audio.SessionID(id), true
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode"}`, http.StatusInternalServerError)
	}
}
