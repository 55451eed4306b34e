package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const dialTimeout = 5 * time.Second

// Net is a Transport over a TCP or UDP socket.
type Net struct {
	Hub

	network string
	addr    string

	mu   sync.Mutex
	conn net.Conn
	done chan struct{}
}

// DialNet connects to addr on network ("tcp" or "udp").
func DialNet(ctx context.Context, network, addr string) (*Net, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("%s: dial %s: %w", network, addr, err)
	}
	n := &Net{
		network: network,
		addr:    addr,
		conn:    conn,
		done:    make(chan struct{}),
	}
	go n.readLoop()
	log.Printf("[%s] connected to %s", network, addr)
	return n, nil
}

func (n *Net) readLoop() {
	defer close(n.done)
	buf := make([]byte, 1024)
	for {
		k, err := n.conn.Read(buf)
		if k > 0 {
			n.Dispatch(buf[:k])
		}
		if err != nil {
			if !n.IsClosed() {
				log.Printf("[%s] %s read failed: %v", n.network, n.addr, err)
			}
			n.shutdown(err)
			return
		}
	}
}

// Write implements Transport.
func (n *Net) Write(ctx context.Context, p []byte) error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(dl)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if _, err := conn.Write(p); err != nil {
		n.shutdown(err)
		return fmt.Errorf("%s: write failed: %w", n.network, err)
	}
	return nil
}

// IsOpen implements Transport.
func (n *Net) IsOpen() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn != nil
}

// Close implements Transport.
func (n *Net) Close() error {
	err := n.shutdown(nil)
	<-n.done
	return err
}

func (n *Net) shutdown(cause error) error {
	n.mu.Lock()
	conn := n.conn
	n.conn = nil
	n.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	n.Closed(cause)
	return err
}
