package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/mspconf/internal/fc"
	"github.com/shaunagostinho/mspconf/internal/fcconfig"
	"github.com/shaunagostinho/mspconf/internal/logger"
	"github.com/shaunagostinho/mspconf/internal/msp"
)

// Server exposes the configuration service over HTTP and pushes link and
// telemetry updates to WebSocket clients.
type Server struct {
	cfg   *Config
	mgr   *Manager
	trace *logger.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Link      *LinkStatus `json:"link,omitempty"`
	Telemetry *fc.Status  `json:"telemetry,omitempty"`
	Stamp     int64       `json:"stamp"` // Unix ms
}

// LinkStatus describes the connection as the API reports it.
type LinkStatus struct {
	Connected    bool           `json:"connected"`
	Device       string         `json:"device"`
	Demo         bool           `json:"demo"`
	Firmware     *fc.Firmware   `json:"firmware,omitempty"`
	CLI          *fc.CLISession `json:"cli,omitempty"`
	ConfigLocked bool           `json:"configLocked"`
	Unsupported  []string       `json:"unsupported,omitempty"`
	Trace        bool           `json:"trace"`
}

// New creates a new Server. trace must not be nil.
func New(cfg *Config, mgr *Manager, trace *logger.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		mgr:     mgr,
		trace:   trace,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	mgr.OnConnect(func(c *fc.Conn) {
		c.Telemetry.Subscribe(func(st fc.Status) {
			s.broadcast(Frame{Telemetry: &st, Stamp: st.Stamp.UnixMilli()})
		})
	})
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Link
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/cli", s.handleCLI)
	mux.HandleFunc("/api/save", s.handleSave)

	// Flight controller configuration
	mux.HandleFunc("/api/modes", s.handleModes)
	mux.HandleFunc("/api/features", s.handleFeatures)
	mux.HandleFunc("/api/mixer", s.handleMixer)
	mux.HandleFunc("/api/motor-mixer", s.handleMotorMixer)
	mux.HandleFunc("/api/servo-mixer", s.handleServoMixer)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)
	return mux
}

// Run starts the HTTP server and the status broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	go s.statusLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Listen(),
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", srv.Addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Status snapshots the link.
func (s *Server) Status() LinkStatus {
	link := s.cfg.Link()
	st := LinkStatus{
		Device: link.Device,
		Demo:   link.Demo,
		Trace:  s.trace.IsEnabled(),
	}
	c := s.mgr.Conn()
	if c == nil || !c.IsOpen() {
		return st
	}
	st.Connected = true
	fw := c.Firmware()
	st.Firmware = &fw
	if sess := c.CLI.Session(); sess.Active {
		st.CLI = &sess
	}
	st.ConfigLocked = c.Lock.Held()
	for _, code := range c.Unsupported.List() {
		st.Unsupported = append(st.Unsupported, msp.CommandName(code))
	}
	return st
}

// statusLoop pushes the link status whenever it changes.
func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var last []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.Status()
			data, err := json.Marshal(st)
			if err != nil || bytes.Equal(data, last) {
				continue
			}
			last = data
			s.broadcast(Frame{Link: &st, Stamp: time.Now().UnixMilli()})
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Send the current link state first
	st := s.Status()
	if data, err := json.Marshal(Frame{Link: &st, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects close)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	st := s.Status()
	if c := s.mgr.Conn(); c != nil {
		if t, ok := c.Telemetry.Last(); ok {
			writeJSON(w, struct {
				LinkStatus
				Telemetry fc.Status `json:"telemetry"`
			}{st, t})
			return
		}
	}
	writeJSON(w, st)
}

func (s *Server) handleModes(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		ranges, err := svc.ModeRanges(r.Context())
		s.reply(w, ranges, err, msp.ModeRanges)
	case http.MethodPost:
		var mr fcconfig.ModeRange
		if !decode(w, r, &mr) {
			return
		}
		s.done(w, svc.SetModeRange(r.Context(), mr))
	default:
		http.Error(w, "method not allowed", 405)
	}
}

// featureRequest sets features by mask or by name. Names win when given.
type featureRequest struct {
	Mask    uint32   `json:"mask"`
	Enabled []string `json:"enabled"`
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		f, err := svc.Features(r.Context())
		s.reply(w, f, err, msp.Feature)
	case http.MethodPost:
		var req featureRequest
		if !decode(w, r, &req) {
			return
		}
		mask := req.Mask
		if len(req.Enabled) > 0 {
			var err error
			mask, err = fcconfig.FeatureMask(svc.Conn().Firmware().Variant, req.Enabled)
			if err != nil {
				writeError(w, err)
				return
			}
		}
		s.done(w, svc.SetFeatures(r.Context(), mask))
	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleMixer(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		m, err := svc.Mixer(r.Context())
		s.reply(w, m, err, msp.MixerConfig)
	case http.MethodPost:
		var m fcconfig.Mixer
		if !decode(w, r, &m) {
			return
		}
		s.done(w, svc.SetMixer(r.Context(), m))
	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleMotorMixer(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		rules, err := svc.MotorMixer(r.Context())
		s.reply(w, rules, err, msp.CommonMotorMixer)
	case http.MethodPost:
		var rules []fcconfig.MotorRule
		if !decode(w, r, &rules) {
			return
		}
		s.done(w, svc.SetMotorMixer(r.Context(), rules))
	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleServoMixer(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		rules, err := svc.ServoMixer(r.Context())
		s.reply(w, rules, err, msp.ServoMixRules)
	case http.MethodPost:
		var rules []fcconfig.ServoRule
		if !decode(w, r, &rules) {
			return
		}
		s.done(w, svc.SetServoMixer(r.Context(), rules))
	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	svc, ok := s.service(w)
	if !ok {
		return
	}
	s.done(w, svc.Save(r.Context()))
}

// cliRequest runs raw lines in the firmware CLI.
type cliRequest struct {
	Lines    []string `json:"lines"`
	KeepOpen bool     `json:"keepOpen"`
	Save     bool     `json:"save"`
}

// handleCLI runs lines (POST) or leaves an open session without saving
// (DELETE).
func (s *Server) handleCLI(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w)
	if !ok {
		return
	}
	c := svc.Conn()
	switch r.Method {
	case http.MethodPost:
		var req cliRequest
		if !decode(w, r, &req) {
			return
		}
		var res *fc.CLIResult
		err := c.Lock.Do(r.Context(), func(ctx context.Context) error {
			var err error
			res, err = c.CLI.Run(ctx, req.Lines, fc.RunOptions{KeepOpen: req.KeepOpen, Save: req.Save})
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, res)
	case http.MethodDelete:
		err := c.Lock.Do(r.Context(), func(ctx context.Context) error {
			if !c.CLI.Active() {
				return nil
			}
			return c.CLI.Exit(ctx)
		})
		s.done(w, err)
	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Warnf("[config] save failed: %v", err)
		}
		// Runtime-adjustable settings; link settings apply on reconnect
		s.trace.SetEnabled(s.cfg.TraceEnabled())
		log.SetLevel(s.cfg.LogLevel())

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) service(w http.ResponseWriter) (*fcconfig.Service, bool) {
	svc, err := s.mgr.Service()
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return svc, true
}

// reply writes a read result. A nil value means the firmware does not
// implement the read.
func (s *Server) reply(w http.ResponseWriter, v any, err error, code uint16) {
	if err == nil && isNil(v) {
		err = fmt.Errorf("%s: %w", msp.CommandName(code), fc.ErrNotSupported)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, v)
}

func (s *Server) done(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func isNil(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case []fcconfig.ModeRange:
		return v == nil
	case []fcconfig.MotorRule:
		return v == nil
	case []fcconfig.ServoRule:
		return v == nil
	case *fcconfig.Features:
		return v == nil
	case *fcconfig.Mixer:
		return v == nil
	}
	return false
}

// apiError is the JSON error body.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// httpStatus maps an operation error to a response code.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, fcconfig.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, fc.ErrVerificationMismatch):
		return http.StatusConflict
	case errors.Is(err, fc.ErrCLIBlocked):
		return http.StatusLocked
	case errors.Is(err, fc.ErrTimedOut):
		return http.StatusGatewayTimeout
	case fc.IsDisconnected(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, fc.ErrNoStrategy), fc.IsNotSupported(err):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		log.Warnf("[server] %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{Error: err.Error(), Message: fcconfig.UserMessage(err)})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(v); err != nil {
			http.Error(w, "bad request: "+err.Error(), 400)
			return false
		}
	}
	return true
}
