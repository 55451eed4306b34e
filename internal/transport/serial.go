package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the USB VCP rate used by iNav and Betaflight.
	DefaultBaudRate = 115200

	readBufSize     = 512
	readPollTimeout = 100 * time.Millisecond
	postOpenDelay   = 100 * time.Millisecond
)

// Serial is a Transport over a local serial port.
type Serial struct {
	Hub

	portPath string
	baudRate int

	mu   sync.Mutex
	port serial.Port
	done chan struct{}
}

// OpenSerial opens portPath and starts the read loop.
func OpenSerial(portPath string, baudRate int) (*Serial, error) {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portPath, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: failed to open %s: %w", portPath, err)
	}
	if err := port.SetReadTimeout(readPollTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial: failed to set timeout: %w", err)
	}

	// Boards that reset on DTR emit a burst of boot text; let it pass.
	time.Sleep(postOpenDelay)
	port.ResetInputBuffer()

	s := &Serial{
		portPath: portPath,
		baudRate: baudRate,
		port:     port,
		done:     make(chan struct{}),
	}
	go s.readLoop()

	log.Printf("[serial] opened %s at %d baud", portPath, baudRate)
	return s, nil
}

// AutoDetect returns the most recently enumerated serial port.
func AutoDetect() (string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return "", fmt.Errorf("serial: enumerate ports: %w", err)
	}
	if len(ports) == 0 {
		return "", errors.New("serial: no ports found")
	}
	return ports[len(ports)-1], nil
}

func (s *Serial) readLoop() {
	defer close(s.done)
	buf := make([]byte, readBufSize)
	for {
		s.mu.Lock()
		port := s.port
		s.mu.Unlock()
		if port == nil {
			return
		}

		n, err := port.Read(buf)
		if err != nil {
			if !s.IsClosed() {
				log.Printf("[serial] %s read failed: %v", s.portPath, err)
			}
			s.shutdown(err)
			return
		}
		if n == 0 {
			// read timeout, nothing pending
			continue
		}
		log.Debugf("[serial] rx % X", buf[:n])
		s.Dispatch(buf[:n])
	}
}

// Write implements Transport.
func (s *Serial) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return ErrClosed
	}
	log.Debugf("[serial] tx % X", p)
	if _, err := port.Write(p); err != nil {
		s.shutdown(err)
		return fmt.Errorf("serial: write failed: %w", err)
	}
	if err := port.Drain(); err != nil && !errors.Is(err, io.EOF) {
		log.Debugf("[serial] drain: %v", err)
	}
	return nil
}

// IsOpen implements Transport.
func (s *Serial) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

// Close implements Transport.
func (s *Serial) Close() error {
	err := s.shutdown(nil)
	<-s.done
	return err
}

func (s *Serial) shutdown(cause error) error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
		log.Printf("[serial] closed %s", s.portPath)
	}
	s.Closed(cause)
	return err
}
