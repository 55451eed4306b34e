package fc

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/shaunagostinho/mspconf/internal/transport"
)

// wireLog interleaves telemetry calls with writes so ordering can be
// asserted.
type wireLog struct {
	mu     sync.Mutex
	events []string
}

func (w *wireLog) add(s string) {
	w.mu.Lock()
	w.events = append(w.events, s)
	w.mu.Unlock()
}

func (w *wireLog) get() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.events...)
}

type fakeTelemetry struct{ log *wireLog }

func (f fakeTelemetry) Start()        { f.log.add("telemetry:start") }
func (f fakeTelemetry) Stop()         { f.log.add("telemetry:stop") }
func (f fakeTelemetry) Running() bool { return true }

type fakeCLI struct {
	silent    bool
	closeOn   string // close the link when this line arrives
	responses map[string]string
}

func (c fakeCLI) responder(log *wireLog) transport.Responder {
	return func(p *transport.Pipe, w []byte) {
		s := string(w)
		log.add("write:" + strings.TrimSuffix(s, "\n"))
		if s == "#" {
			if !c.silent {
				p.Inject([]byte("\r\nEntering CLI Mode, type 'exit' to return, or 'help'\r\n\r\n# "))
			}
			return
		}
		line := strings.TrimSuffix(s, "\n")
		if c.closeOn != "" && line == c.closeOn {
			p.CloseWithError(errors.New("rebooting"))
			return
		}
		if c.silent {
			return
		}
		out := line + "\r\n"
		if r, ok := c.responses[line]; ok {
			out += r
		}
		p.Inject([]byte(out + "\r\n# "))
	}
}

func newTestBridge(t *testing.T, c fakeCLI) (*Bridge, *transport.Pipe, *wireLog) {
	t.Helper()
	log := &wireLog{}
	p := transport.NewPipe()
	t.Cleanup(func() { p.Close() })
	p.SetResponder(c.responder(log))
	return NewBridge(p, fakeTelemetry{log}, testTimings, nil), p, log
}

func TestRunPromptConfirmedAndSilentMatch(t *testing.T) {
	lines := []string{"aux 0 0 0 32 64 0", "aux 1 1 1 0 48 0"}
	want := []string{
		"telemetry:stop",
		"write:#",
		"write:aux 0 0 0 32 64 0",
		"write:aux 1 1 1 0 48 0",
		"write:exit",
		"telemetry:start",
	}

	for _, silent := range []bool{false, true} {
		b, _, log := newTestBridge(t, fakeCLI{silent: silent})
		res, err := b.Run(context.Background(), lines, RunOptions{})
		if err != nil {
			t.Fatalf("silent=%v: %v", silent, err)
		}
		if res.PromptSeen == silent {
			t.Fatalf("silent=%v: PromptSeen=%v", silent, res.PromptSeen)
		}
		if res.Sent != 2 || res.Aborted {
			t.Fatalf("silent=%v: result %+v", silent, res)
		}
		if got := log.get(); !reflect.DeepEqual(got, want) {
			t.Fatalf("silent=%v: sequence\n got %q\nwant %q", silent, got, want)
		}
		if b.State() != CLIBinary {
			t.Fatalf("silent=%v: state %v", silent, b.State())
		}
	}
}

func TestRunCollectsOutput(t *testing.T) {
	b, _, _ := newTestBridge(t, fakeCLI{responses: map[string]string{
		"mmix": "mmix 0  1.000 -1.000  1.000 -1.000\r\nmmix 1  1.000 -1.000 -1.000  1.000",
	}})
	res, err := b.Run(context.Background(), []string{"mmix"}, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var rules []string
	for _, l := range res.Lines() {
		if strings.HasPrefix(l, "mmix ") {
			rules = append(rules, l)
		}
	}
	if len(rules) != 2 {
		t.Fatalf("lines %q", res.Lines())
	}
	if strings.Contains(res.Output, "Entering CLI Mode") {
		t.Fatal("output includes text from before Sending")
	}
}

func TestRunKeepOpenThenSave(t *testing.T) {
	b, _, log := newTestBridge(t, fakeCLI{})
	ctx := context.Background()

	if _, err := b.Run(ctx, []string{"smix 0 1 2 100 0 0 100 0"}, RunOptions{KeepOpen: true}); err != nil {
		t.Fatal(err)
	}
	if !b.Active() {
		t.Fatal("session closed despite KeepOpen")
	}
	for _, e := range log.get() {
		if e == "write:exit" || e == "telemetry:start" {
			t.Fatalf("session left early: %q", log.get())
		}
	}

	// A second run reuses the open session and leaves it open.
	if _, err := b.Run(ctx, []string{"smix 1 2 2 100 0 0 100 0"}, RunOptions{}); err != nil {
		t.Fatal(err)
	}
	if !b.Active() {
		t.Fatal("reused session was closed")
	}

	if err := b.Save(ctx); err != nil {
		t.Fatal(err)
	}
	if b.Active() {
		t.Fatal("still active after save")
	}
	got := log.get()
	if got[len(got)-2] != "write:save" || got[len(got)-1] != "telemetry:start" {
		t.Fatalf("sequence %q", got)
	}
}

func TestTransportCloseDuringSending(t *testing.T) {
	b, p, log := newTestBridge(t, fakeCLI{closeOn: "mmix 1 1.000 -1.000 -1.000 1.000"})
	lines := []string{
		"mmix reset",
		"mmix 0 1.000 -1.000 1.000 -1.000",
		"mmix 1 1.000 -1.000 -1.000 1.000",
		"mmix 2 1.000 1.000 1.000 1.000",
	}

	res, err := b.Run(context.Background(), lines, RunOptions{Save: true})
	if err != nil {
		t.Fatalf("close surfaced as error: %v", err)
	}
	if !res.Aborted || res.Sent != 3 {
		t.Fatalf("result %+v", res)
	}
	if b.State() != CLIBinary {
		t.Fatalf("state %v", b.State())
	}
	if p.IsOpen() {
		t.Fatal("pipe open")
	}
	for _, e := range log.get() {
		if e == "telemetry:start" {
			t.Fatal("telemetry restarted on a closed link")
		}
	}

	if _, err := b.Run(context.Background(), lines, RunOptions{}); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("run on closed link: %v", err)
	}
}

func TestSaveRebootIsNotAnError(t *testing.T) {
	b, _, _ := newTestBridge(t, fakeCLI{closeOn: "save"})
	res, err := b.Run(context.Background(), []string{"feature GPS"}, RunOptions{Save: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 1 || !res.Aborted {
		t.Fatalf("result %+v", res)
	}
	if b.Active() {
		t.Fatal("session still active")
	}
}

func TestHasPrompt(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"\r\nEntering CLI Mode, type 'exit' to return\r\n", true},
		{"# ", true},
		{"junk\r\n# ", true},
		{"$M>\x00\x65", false},
		{"#", false},
	}
	for _, tt := range tests {
		if got := hasPrompt([]byte(tt.in)); got != tt.want {
			t.Errorf("hasPrompt(%q) = %v", tt.in, got)
		}
	}
}
