package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shaunagostinho/mspconf/internal/fc"
	"github.com/shaunagostinho/mspconf/internal/fcconfig"
	"github.com/shaunagostinho/mspconf/internal/logger"
)

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := "connection:\n  device: /dev/ttyUSB0\n  protocol: v2\nserver:\n  listen_addr: \":9000\"\n"
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"MSP_DEVICE", "MSP_VERSION", "LISTEN_ADDR", "MSP_DEMO", "TRACE_ENABLED", "TRACE_PATH", "MSP_TIMEOUT_MS"} {
		t.Setenv(k, "")
	}
	t.Setenv("MSP_BAUD", "57600")
	t.Setenv("MSP_INAV_TIMEOUT_MS", "4500")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := LoadConfig(path)
	if cfg.Connection.Device != "/dev/ttyUSB0" || cfg.Server.ListenAddr != ":9000" {
		t.Fatalf("file values not applied: %+v %+v", cfg.Connection, cfg.Server)
	}
	if cfg.Connection.BaudRate != 57600 {
		t.Fatalf("baud %d", cfg.Connection.BaudRate)
	}
	if cfg.LogLevel().String() != "debug" {
		t.Fatalf("level %v", cfg.LogLevel())
	}

	opts := cfg.ConnOptions()
	if opts.Version.String() != "v2" {
		t.Fatalf("version %v", opts.Version)
	}
	if opts.InavTimeout != 4500*time.Millisecond || opts.Timeout != time.Second {
		t.Fatalf("timeouts %v %v", opts.Timeout, opts.InavTimeout)
	}
	if !cfg.ServiceOptions().SaveAfterCLI {
		t.Fatal("save after CLI should default on")
	}
}

func TestLoadConfigDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	env := "# local overrides\nMSP_DEVICE=\"tcp://127.0.0.1:5760\"\nMSP_DEMO=1\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MSP_DEVICE", "")
	t.Setenv("MSP_DEMO", "")

	cfg := LoadConfig(path)
	if cfg.Connection.Device != "tcp://127.0.0.1:5760" || !cfg.Connection.Demo {
		t.Fatalf("connection %+v", cfg.Connection)
	}
}

func TestUpdateFromJSONMerges(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.UpdateFromJSON([]byte(`{"cli":{"forceLegacy":true},"trace":{"enabled":true}}`)); err != nil {
		t.Fatal(err)
	}
	opts := cfg.ConnOptions()
	if !opts.ForceLegacy {
		t.Fatal("forceLegacy not applied")
	}
	if opts.CLI.LineDelay != 100*time.Millisecond {
		t.Fatalf("line delay lost: %v", opts.CLI.LineDelay)
	}
	if !cfg.TraceEnabled() || cfg.Trace.Path != "/var/log/mspconf" {
		t.Fatalf("trace %+v", cfg.Trace)
	}
	if err := cfg.UpdateFromJSON([]byte(`{"cli":`)); err == nil {
		t.Fatal("expected error for bad JSON")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("pwm 800: %w", fcconfig.ErrInvalid), http.StatusBadRequest},
		{fmt.Errorf("features: %w", fc.ErrVerificationMismatch), http.StatusConflict},
		{fc.ErrCLIBlocked, http.StatusLocked},
		{fmt.Errorf("MSP_STATUS: %w", fc.ErrTimedOut), http.StatusGatewayTimeout},
		{fmt.Errorf("%w: %w", fc.ErrNotConnected, fc.ErrTransportClosed), http.StatusServiceUnavailable},
		{fmt.Errorf("set mixer: %w", fc.ErrNoStrategy), http.StatusNotImplemented},
		{fmt.Errorf("MSP_MODE_RANGES: %w", fc.ErrNotSupported), http.StatusNotImplemented},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := httpStatus(c.err); got != c.want {
			t.Errorf("%v: got %d, want %d", c.err, got, c.want)
		}
	}
}

func demoServer(t *testing.T, connect bool) (*Manager, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Connection.Demo = true
	cfg.Telemetry.Enabled = false
	cfg.Timeouts = TimeoutConfig{RequestMs: 100, InavMs: 150, StaleWindowMs: 500}
	cfg.CLI = CLIConfig{PromptWaitMs: 30, LineDelayMs: 5, ExitDelayMs: 5, SaveDelayMs: 5, SaveAfterWrite: true}

	mgr := NewManager(cfg, nil)
	if connect {
		if err := mgr.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	t.Cleanup(mgr.Close)

	trace := logger.New(logger.Config{Path: t.TempDir()})
	ts := httptest.NewServer(New(cfg, mgr, trace).Handler())
	t.Cleanup(ts.Close)
	return mgr, ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestAPIModesAgainstDemoBoard(t *testing.T) {
	_, ts := demoServer(t, true)

	var st LinkStatus
	if code := getJSON(t, ts.URL+"/api/status", &st); code != 200 {
		t.Fatalf("status %d", code)
	}
	if !st.Connected || st.Firmware == nil || st.Firmware.Variant != fc.VariantInav {
		t.Fatalf("link %+v", st)
	}

	var ranges []fcconfig.ModeRange
	if code := getJSON(t, ts.URL+"/api/modes", &ranges); code != 200 || len(ranges) != 2 {
		t.Fatalf("modes %d %+v", code, ranges)
	}

	body := `{"index":4,"boxId":5,"auxChannel":2,"rangeStart":1300,"rangeEnd":1700}`
	resp, err := http.Post(ts.URL+"/api/modes", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("set mode range: %d", resp.StatusCode)
	}

	ranges = nil
	getJSON(t, ts.URL+"/api/modes", &ranges)
	want := fcconfig.ModeRange{Index: 4, BoxID: 5, AuxChannel: 2, RangeStart: 1300, RangeEnd: 1700}
	found := false
	for _, r := range ranges {
		found = found || r == want
	}
	if !found {
		t.Fatalf("new range missing: %+v", ranges)
	}
}

func TestAPIRejectsBadModeRange(t *testing.T) {
	_, ts := demoServer(t, true)
	body := `{"index":0,"boxId":1,"auxChannel":0,"rangeStart":800,"rangeEnd":1700}`
	resp, err := http.Post(ts.URL+"/api/modes", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestAPIDisconnected(t *testing.T) {
	_, ts := demoServer(t, false)

	var e apiError
	if code := getJSON(t, ts.URL+"/api/features", &e); code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", code)
	}
	if e.Message != fcconfig.UserMessage(fc.ErrNotConnected) {
		t.Fatalf("message %q", e.Message)
	}

	var st LinkStatus
	getJSON(t, ts.URL+"/api/status", &st)
	if st.Connected || !st.Demo {
		t.Fatalf("link %+v", st)
	}
}
