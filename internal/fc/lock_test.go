package fc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shaunagostinho/mspconf/internal/msp"
)

func TestLockSerialisesOperations(t *testing.T) {
	var (
		l      ConfigLock
		mu     sync.Mutex
		events []string
		wg     sync.WaitGroup
	)
	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}
	for _, name := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			l.Do(context.Background(), func(context.Context) error {
				record(name + "1")
				time.Sleep(5 * time.Millisecond)
				record(name + "2")
				return nil
			})
		}(name)
	}
	wg.Wait()

	if len(events) != 6 {
		t.Fatalf("events = %v", events)
	}
	for i := 0; i < 6; i += 2 {
		if events[i][0] != events[i+1][0] || events[i][1] != '1' || events[i+1][1] != '2' {
			t.Fatalf("operations interleaved: %v", events)
		}
	}
}

func TestLockFIFO(t *testing.T) {
	var l ConfigLock
	release := make(chan struct{})
	go l.Do(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	for !l.Held() {
		time.Sleep(time.Millisecond)
	}

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Do(context.Background(), func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("admission order %v", order)
		}
	}
}

func TestLockReleasedOnErrorAndPanic(t *testing.T) {
	var l ConfigLock
	boom := errors.New("boom")
	if err := l.Do(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	func() {
		defer func() { recover() }()
		l.Do(context.Background(), func(context.Context) error { panic("op failed") })
	}()

	got, err := WithLock(context.Background(), &l, func(context.Context) (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Fatalf("got %d, %v", got, err)
	}
	if l.Held() {
		t.Fatal("lock still held")
	}
}

func TestLockWaitCancelled(t *testing.T) {
	var l ConfigLock
	release := make(chan struct{})
	go l.Do(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	for !l.Held() {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ran := false
	err := l.Do(ctx, func(context.Context) error { ran = true; return nil })
	if !errors.Is(err, context.DeadlineExceeded) || ran {
		t.Fatalf("err = %v, ran = %v", err, ran)
	}

	close(release)
	if err := l.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
}

func TestForceReleaseAdmitsWaiter(t *testing.T) {
	var l ConfigLock
	stuck := make(chan struct{})
	holderDone := make(chan struct{})
	go func() {
		defer close(holderDone)
		l.Do(context.Background(), func(context.Context) error {
			<-stuck
			return nil
		})
	}()
	for !l.Held() {
		time.Sleep(time.Millisecond)
	}

	admitted := make(chan struct{})
	go l.Do(context.Background(), func(context.Context) error {
		close(admitted)
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	time.Sleep(5 * time.Millisecond)

	l.ForceRelease()
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("waiter not admitted after ForceRelease")
	}

	// The revoked holder finishing must not free the lock under the waiter.
	close(stuck)
	<-holderDone
	if !l.Held() {
		t.Fatal("revoked holder released the new holder's lock")
	}
}

// Two concurrent write-then-verify operations must not interleave their
// frames on the wire.
func TestLockedOperationsDoNotInterleaveOnWire(t *testing.T) {
	b := newFakeBoard(t)
	var (
		mu   sync.Mutex
		mask []byte
	)
	b.handle(msp.SetFeature, func(f *msp.Frame) []byte {
		mu.Lock()
		mask = append([]byte(nil), f.Payload...)
		mu.Unlock()
		return replyFrame(f.Version, msp.DirReply, msp.SetFeature, nil)
	})
	b.handle(msp.Feature, func(f *msp.Frame) []byte {
		mu.Lock()
		defer mu.Unlock()
		return replyFrame(f.Version, msp.DirReply, msp.Feature, mask)
	})
	e := newTestEngine(b, nil)
	var l ConfigLock

	var wg sync.WaitGroup
	for _, v := range []byte{0x20, 0x40} {
		wg.Add(1)
		go func(v byte) {
			defer wg.Done()
			err := l.Do(context.Background(), func(ctx context.Context) error {
				if _, err := e.Send(ctx, msp.SetFeature, []byte{v, 0, 0, 0}, time.Second); err != nil {
					return err
				}
				time.Sleep(5 * time.Millisecond)
				got, err := e.Send(ctx, msp.Feature, nil, time.Second)
				if err != nil {
					return err
				}
				if got[0] != v {
					return ErrVerificationMismatch
				}
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}(v)
	}
	wg.Wait()

	reqs := b.Requests()
	want := []uint16{msp.SetFeature, msp.Feature, msp.SetFeature, msp.Feature}
	if len(reqs) != len(want) {
		t.Fatalf("requests %v", reqs)
	}
	for i := range want {
		if reqs[i] != want[i] {
			t.Fatalf("requests interleaved: %v", reqs)
		}
	}
}
