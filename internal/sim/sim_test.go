package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shaunagostinho/mspconf/internal/fc"
	"github.com/shaunagostinho/mspconf/internal/msp"
)

var fastCLI = fc.CLITimings{
	PromptWait: 30 * time.Millisecond,
	LineDelay:  5 * time.Millisecond,
	ExitDelay:  5 * time.Millisecond,
	SaveDelay:  5 * time.Millisecond,
}

func connect(t *testing.T, b *Board) (*Link, *fc.Conn) {
	t.Helper()
	l := b.Connect()
	t.Cleanup(func() { l.Close() })
	c := fc.NewConn(l, fc.Options{Timeout: 100 * time.Millisecond, InavTimeout: 200 * time.Millisecond, CLI: fastCLI})
	return l, c
}

func TestIdentify(t *testing.T) {
	_, c := connect(t, NewBoard(Options{Variant: "BTFL", APIVersion: [2]byte{1, 46}, FWVersion: [3]byte{4, 5, 1}, Name: "quad"}))
	fw, err := c.Identify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if fw.Variant != "BTFL" || fw.Version != "4.5.1" || fw.APIVersion != "1.46" || fw.Name != "quad" {
		t.Fatalf("firmware %+v", fw)
	}
}

func TestUnsupportedAndDropped(t *testing.T) {
	_, c := connect(t, NewBoard(Options{
		Unsupported: []uint16{msp.ModeRanges},
		Dropped:     []uint16{msp.Feature},
	}))
	ctx := context.Background()

	if _, err := c.Send(ctx, msp.ModeRanges, nil); !errors.Is(err, fc.ErrNotSupported) {
		t.Fatalf("mode ranges: %v", err)
	}
	if _, err := c.Send(ctx, msp.Feature, nil); !errors.Is(err, fc.ErrTimedOut) {
		t.Fatalf("feature: %v", err)
	}
}

func TestBetaflightRejectsInavCommands(t *testing.T) {
	_, c := connect(t, NewBoard(Options{Variant: "BTFL"}))
	if _, err := c.Send(context.Background(), msp.InavMixer, nil); !errors.Is(err, fc.ErrNotSupported) {
		t.Fatalf("err = %v", err)
	}
}

func TestEepromWritePersists(t *testing.T) {
	b := NewBoard(Options{})
	l, c := connect(t, b)
	ctx := context.Background()

	if _, err := c.Send(ctx, msp.SetFeature, []byte{0x20, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if l.Working().Features != 0x20 {
		t.Fatalf("working features %#x", l.Working().Features)
	}
	if b.Saved().Features == 0x20 {
		t.Fatal("saved before EEPROM write")
	}
	if _, err := c.Send(ctx, msp.EepromWrite, nil); err != nil {
		t.Fatal(err)
	}
	if b.Saved().Features != 0x20 {
		t.Fatal("not saved")
	}
}

func TestRefusedFeatureBits(t *testing.T) {
	l, c := connect(t, NewBoard(Options{RefuseFeatures: 1 << 5}))
	if _, err := c.Send(context.Background(), msp.SetFeature, []byte{0x21, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if got := l.Working().Features; got != 0x01 {
		t.Fatalf("features %#x", got)
	}
}

func TestCLISaveReboots(t *testing.T) {
	b := NewBoard(Options{})
	l, c := connect(t, b)

	res, err := c.CLI.Run(context.Background(), []string{"aux 0 0 0 32 64 0", "feature -GPS"}, fc.RunOptions{Save: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 2 || !res.Aborted || !res.PromptSeen {
		t.Fatalf("result %+v", res)
	}
	if l.IsOpen() {
		t.Fatal("link survived save")
	}
	saved := b.Saved()
	if saved.ModeRanges[0] != (ModeRange{Box: 0, Aux: 0, Start: 32, End: 64}) {
		t.Fatalf("aux slot %+v", saved.ModeRanges[0])
	}
	if saved.Features&(1<<7) != 0 {
		t.Fatal("GPS still enabled")
	}
	if b.Boots() != 1 {
		t.Fatalf("boots %d", b.Boots())
	}

	// A new power cycle sees the saved settings.
	l2 := b.Connect()
	defer l2.Close()
	if l2.Working().ModeRanges[0].End != 64 {
		t.Fatal("reconnect lost saved settings")
	}
}

func TestCLIListings(t *testing.T) {
	_, c := connect(t, NewBoard(Options{}))
	res, err := c.CLI.Run(context.Background(), []string{"mmix"}, fc.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, line := range res.Lines() {
		if len(line) > 5 && line[:5] == "mmix " {
			n++
		}
	}
	if n != 4 {
		t.Fatalf("lines %q", res.Lines())
	}
	if c.CLI.Active() {
		t.Fatal("session left open")
	}
}

func TestCloseAfterLines(t *testing.T) {
	_, c := connect(t, NewBoard(Options{CloseAfterLines: 2}))
	res, err := c.CLI.Run(context.Background(), []string{"mmix reset", "mmix 0 1 -1 1 -1", "mmix 1 1 -1 -1 1"}, fc.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Aborted || res.Sent != 2 {
		t.Fatalf("result %+v", res)
	}
}
