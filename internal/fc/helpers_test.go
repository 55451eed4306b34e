package fc

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shaunagostinho/mspconf/internal/msp"
	"github.com/shaunagostinho/mspconf/internal/transport"
)

var testTimings = CLITimings{
	PromptWait: 30 * time.Millisecond,
	LineDelay:  5 * time.Millisecond,
	ExitDelay:  time.Millisecond,
	SaveDelay:  time.Millisecond,
}

// fakeBoard answers MSP requests written to a Pipe. Handlers return the raw
// bytes to send back; nil means no answer.
type fakeBoard struct {
	t    *testing.T
	pipe *transport.Pipe

	mu       sync.Mutex
	dec      msp.Decoder
	handlers map[uint16]func(f *msp.Frame) []byte
	requests []uint16
}

func newFakeBoard(t *testing.T) *fakeBoard {
	t.Helper()
	b := &fakeBoard{
		t:        t,
		pipe:     transport.NewPipe(),
		handlers: make(map[uint16]func(f *msp.Frame) []byte),
	}
	b.pipe.SetResponder(b.respond)
	t.Cleanup(func() { b.pipe.Close() })
	return b
}

func (b *fakeBoard) handle(code uint16, fn func(f *msp.Frame) []byte) {
	b.mu.Lock()
	b.handlers[code] = fn
	b.mu.Unlock()
}

// answer registers a fixed reply payload for code.
func (b *fakeBoard) answer(code uint16, payload []byte) {
	b.handle(code, func(f *msp.Frame) []byte { return replyFrame(f.Version, msp.DirReply, code, payload) })
}

func (b *fakeBoard) Requests() []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint16(nil), b.requests...)
}

func (b *fakeBoard) respond(p *transport.Pipe, w []byte) {
	b.mu.Lock()
	b.dec.Write(w)
	var out [][]byte
	for {
		f, err := b.dec.Next()
		if errors.Is(err, msp.ErrIncomplete) {
			break
		}
		if err != nil || f.Direction != msp.DirRequest {
			continue
		}
		b.requests = append(b.requests, f.Code)
		if fn, ok := b.handlers[f.Code]; ok {
			if r := fn(f); r != nil {
				out = append(out, r)
			}
		}
	}
	b.mu.Unlock()
	for _, r := range out {
		p.Inject(r)
	}
}

func replyFrame(v msp.Version, dir msp.Direction, code uint16, payload []byte) []byte {
	b, err := msp.Encode(v, dir, code, payload)
	if err != nil {
		panic(err)
	}
	return b
}
