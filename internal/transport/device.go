package transport

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Kind classifies a device string.
type Kind int

const (
	KindNone Kind = iota
	KindSerial
	KindTCP
	KindUDP
)

func (k Kind) String() string {
	switch k {
	case KindSerial:
		return "serial"
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	}
	return "none"
}

// Device is a parsed device string.
type Device struct {
	Kind     Kind
	Name     string // port path or host:port
	BaudRate int
}

// ParseDevice understands:
//
//	auto                 first usable serial port
//	/dev/ttyACM0         serial, default baud
//	/dev/ttyACM0@57600   serial, explicit baud
//	tcp://host:5760      TCP (SITL, ser2tcp)
//	udp://host:5760      UDP
func ParseDevice(s string, defaultBaud int) (Device, error) {
	if defaultBaud == 0 {
		defaultBaud = DefaultBaudRate
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return Device{}, fmt.Errorf("transport: empty device")
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return Device{}, fmt.Errorf("transport: bad device %q: %w", s, err)
		}
		if u.Host == "" {
			return Device{}, fmt.Errorf("transport: device %q has no host", s)
		}
		switch u.Scheme {
		case "tcp":
			return Device{Kind: KindTCP, Name: u.Host}, nil
		case "udp":
			return Device{Kind: KindUDP, Name: u.Host}, nil
		}
		return Device{}, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}

	d := Device{Kind: KindSerial, Name: s, BaudRate: defaultBaud}
	if name, baud, ok := strings.Cut(s, "@"); ok {
		b, err := strconv.Atoi(baud)
		if err != nil || b <= 0 {
			return Device{}, fmt.Errorf("transport: bad baud rate in %q", s)
		}
		d.Name = name
		d.BaudRate = b
	}
	return d, nil
}

// Open parses device and opens the matching transport.
func Open(ctx context.Context, device string, defaultBaud int) (Transport, error) {
	d, err := ParseDevice(device, defaultBaud)
	if err != nil {
		return nil, err
	}
	switch d.Kind {
	case KindTCP:
		return DialNet(ctx, "tcp", d.Name)
	case KindUDP:
		return DialNet(ctx, "udp", d.Name)
	}
	if d.Name == "auto" {
		if d.Name, err = AutoDetect(); err != nil {
			return nil, err
		}
	}
	return OpenSerial(d.Name, d.BaudRate)
}
