package tunnel

import (
	"bytes"
	"testing"
)

func TestParseFrame(t *testing.T) {
	t.Parallel()
	raw := []byte{frameData, 0x02, 0x01, 0x00, 0x00, 0xDE, 0xAD}
	f, err := parseFrame(raw)
	if err != nil {
		t.Fatalf("parseFrame: %v", err)
	}
	if f.Type != frameData {
		t.Fatalf("type = %#x, want %#x", f.Type, frameData)
	}
	if f.StreamID != 0x0102 {
		t.Fatalf("stream id = %d, want %d", f.StreamID, 0x0102)
	}
	if !bytes.Equal(f.Payload, []byte{0xDE, 0xAD}) {
		t.Fatalf("payload = %v", f.Payload)
	}
}

func TestParseFrameTooShort(t *testing.T) {
	t.Parallel()
	if _, err := parseFrame([]byte{1, 2, 3, 4}); err == nil {
		t.Fatal("want error for 4-byte frame")
	}
	// Five bytes is the minimum valid frame.
	if _, err := parseFrame([]byte{frameClose, 0, 0, 0, 0}); err != nil {
		t.Fatalf("5-byte frame: %v", err)
	}
}

func TestEncodeFrameRoundTrip(t *testing.T) {
	t.Parallel()
	orig := frame{Type: frameConnect, StreamID: 0xCAFEBABE, Payload: []byte("payload")}
	parsed, err := parseFrame(encodeFrame(orig))
	if err != nil {
		t.Fatalf("parseFrame: %v", err)
	}
	if parsed.Type != orig.Type || parsed.StreamID != orig.StreamID || !bytes.Equal(parsed.Payload, orig.Payload) {
		t.Fatalf("round trip mismatch: %+v != %+v", parsed, orig)
	}
}

func TestParseConnectPayload(t *testing.T) {
	t.Parallel()
	raw := append([]byte{streamTCP, 0xBB, 0x01}, []byte("auth.itunes.apple.com")...)
	p, err := parseConnectPayload(raw)
	if err != nil {
		t.Fatalf("parseConnectPayload: %v", err)
	}
	if p.StreamType != streamTCP {
		t.Fatalf("stream type = %d", p.StreamType)
	}
	if p.Port != 443 {
		t.Fatalf("port = %d, want 443", p.Port)
	}
	if p.Hostname != "auth.itunes.apple.com" {
		t.Fatalf("hostname = %q", p.Hostname)
	}
}

func TestHostAllowed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		host string
		want bool
	}{
		{"auth.itunes.apple.com", true},
		{"buy.itunes.apple.com", true},
		{"init.itunes.apple.com", true},
		{"p25-buy.itunes.apple.com", true},
		{"p1-buy.itunes.apple.com", true},
		{"P25-BUY.itunes.apple.com", true},
		{"evil.com", false},
		{"itunes.apple.com", false},
		{"p25-buy.itunes.apple.com.evil.com", false},
		{"xp25-buy.itunes.apple.com", false},
		{"192.168.0.1", false},
		{"[2001:db8::1]", false},
		{"2001:db8::1", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := hostAllowed(tt.host); got != tt.want {
			t.Errorf("hostAllowed(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}
