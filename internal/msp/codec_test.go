package msp

import (
	"bytes"
	"errors"
	"testing"
)

func decodeAll(t *testing.T, d *Decoder) ([]*Frame, int) {
	t.Helper()
	var frames []*Frame
	corrupt := 0
	for {
		f, err := d.Next()
		switch {
		case errors.Is(err, ErrIncomplete):
			return frames, corrupt
		case errors.Is(err, ErrChecksumMismatch):
			corrupt++
		case err != nil:
			t.Fatalf("unexpected error: %v", err)
		default:
			frames = append(frames, f)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		version Version
		code    uint16
		payload []byte
	}{
		{"v1 empty", V1, Feature, nil},
		{"v1 payload", V1, SetFeature, []byte{0x20, 0, 0, 0}},
		{"v1 max", V1, SetModeRange, bytes.Repeat([]byte{0xAB}, MaxPayloadV1)},
		{"v2 empty", V2, InavMixer, nil},
		{"v2 low code", V2, Status, []byte{1, 2, 3}},
		{"v2 large", V2, InavSetServoMixer, bytes.Repeat([]byte{0x5A}, 1024)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Encode(tt.version, DirReply, tt.code, tt.payload)
			if err != nil {
				t.Fatal(err)
			}
			var d Decoder
			d.Write(b)
			f, err := d.Next()
			if err != nil {
				t.Fatal(err)
			}
			if f.Code != tt.code || f.Version != tt.version || f.Direction != DirReply {
				t.Fatalf("roundtrip: got %+v", f)
			}
			if !bytes.Equal(f.Payload, tt.payload) {
				t.Fatalf("payload mismatch: got % X", f.Payload)
			}
			if d.Buffered() != 0 {
				t.Fatalf("leftover %d bytes", d.Buffered())
			}
		})
	}
}

func TestEncodeV1KnownBytes(t *testing.T) {
	b, err := EncodeRequest(V1, Feature, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{'$', 'M', '<', 0, 36, 36}
	if !bytes.Equal(b, want) {
		t.Fatalf("got % X, want % X", b, want)
	}
}

func TestEncodeV2KnownBytes(t *testing.T) {
	b, err := EncodeRequest(V2, 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{'$', 'X', '<', 0, 100, 0, 0, 0}
	if !bytes.Equal(b[:8], want) {
		t.Fatalf("header: got % X", b[:8])
	}
	var crc byte
	for _, c := range b[3:8] {
		crc = CRC8DVBS2(crc, c)
	}
	if b[8] != crc {
		t.Fatalf("crc: got 0x%02X want 0x%02X", b[8], crc)
	}
}

func TestEncodePayloadTooLarge(t *testing.T) {
	if _, err := EncodeRequest(V1, SetFeature, make([]byte, MaxPayloadV1+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("v1: got %v", err)
	}
	if _, err := EncodeRequest(V2, SetFeature, make([]byte, MaxPayloadV2+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("v2: got %v", err)
	}
	if _, err := EncodeRequest(V1, InavMixer, nil); !errors.Is(err, ErrCommandRange) {
		t.Fatalf("v1 code range: got %v", err)
	}
}

func TestDecoderSplitChunks(t *testing.T) {
	a, _ := Encode(V1, DirReply, ModeRanges, []byte{0, 0, 16, 32})
	b, _ := Encode(V2, DirReply, InavMixer, []byte{0, 0, 0, 1, 0, 3, 0, 8, 16})
	stream := append(append([]byte{}, a...), b...)

	var d Decoder
	var frames []*Frame
	for i := range stream {
		d.Write(stream[i : i+1])
		got, corrupt := decodeAll(t, &d)
		if corrupt != 0 {
			t.Fatalf("unexpected corrupt frame at byte %d", i)
		}
		frames = append(frames, got...)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Code != ModeRanges || frames[1].Code != InavMixer {
		t.Fatalf("codes: %d %d", frames[0].Code, frames[1].Code)
	}
}

func TestDecoderResyncAfterCorruptFrame(t *testing.T) {
	for _, v := range []Version{V1, V2} {
		t.Run(v.String(), func(t *testing.T) {
			bad, _ := Encode(v, DirReply, Feature, []byte{1, 2, 3, 4})
			bad[len(bad)-2] ^= 0xFF
			good, _ := Encode(v, DirReply, Feature, []byte{0x20, 0, 0, 0})

			var d Decoder
			d.Write([]byte("garbage"))
			d.Write(bad)
			d.Write(good)

			frames, corrupt := decodeAll(t, &d)
			if corrupt != 1 {
				t.Fatalf("corrupt = %d, want 1", corrupt)
			}
			if len(frames) != 1 || !bytes.Equal(frames[0].Payload, []byte{0x20, 0, 0, 0}) {
				t.Fatalf("frames = %+v", frames)
			}
		})
	}
}

func TestDecoderCorruptLength(t *testing.T) {
	for _, v := range []Version{V1, V2} {
		t.Run(v.String(), func(t *testing.T) {
			bad, _ := Encode(v, DirReply, ModeRanges, []byte{0, 0, 16, 32})
			if v == V1 {
				bad[3] = 0xF0
			} else {
				bad[7] = 0xF0
			}
			good, _ := Encode(v, DirReply, Feature, []byte{0x20, 0, 0, 0})

			var d Decoder
			d.Write(bad)
			d.Write(good)

			frames, corrupt := decodeAll(t, &d)
			if corrupt != 1 {
				t.Fatalf("corrupt = %d, want 1", corrupt)
			}
			if len(frames) != 1 || frames[0].Code != Feature {
				t.Fatalf("frames = %+v", frames)
			}
			if d.Buffered() != 0 {
				t.Fatalf("%d bytes left", d.Buffered())
			}
		})
	}
}

func TestDecoderWaitsForLongFrame(t *testing.T) {
	long, _ := Encode(V1, DirReply, ModeRanges, bytes.Repeat([]byte{0}, 40))
	var d Decoder
	d.Write(long[:20])
	if f, err := d.Next(); f != nil || !errors.Is(err, ErrIncomplete) {
		t.Fatalf("got %v %v", f, err)
	}
	d.Write(long[20:])
	f, err := d.Next()
	if err != nil || f.Code != ModeRanges || len(f.Payload) != 40 {
		t.Fatalf("got %+v %v", f, err)
	}
}

func TestDecoderErrorDirection(t *testing.T) {
	b, _ := Encode(V1, DirError, SetModeRange, nil)
	var d Decoder
	d.Write(b)
	f, err := d.Next()
	if err != nil {
		t.Fatal(err)
	}
	if f.Direction != DirError {
		t.Fatalf("direction = %c", f.Direction)
	}
}

func TestDecoderIgnoresCLIText(t *testing.T) {
	var d Decoder
	d.Write([]byte("\r\nEntering CLI Mode, type 'exit' to return, or 'help'\r\n# "))
	if f, err := d.Next(); f != nil || !errors.Is(err, ErrIncomplete) {
		t.Fatalf("got %v %v", f, err)
	}
}

func TestCommandName(t *testing.T) {
	if got := CommandName(SetModeRange); got != "MSP_SET_MODE_RANGE" {
		t.Fatalf("got %q", got)
	}
	if got := CommandName(9999); got != "MSP_9999" {
		t.Fatalf("got %q", got)
	}
}
