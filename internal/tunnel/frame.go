package tunnel

import (
	"encoding/binary"
	"fmt"
)

// Wisp frame types.
const (
	frameConnect  = 0x01
	frameData     = 0x02
	frameContinue = 0x03
	frameClose    = 0x04
)

// CLOSE reasons.
const (
	closeVoluntary    = 0x01
	closeNetworkError = 0x02
	closeInvalidInfo  = 0x41
)

// streamTCP is the only stream type the relay accepts.
const streamTCP = 1

// continueCredit is the fixed flow-control credit advertised on session
// open and after each successful CONNECT. It is never re-issued per DATA
// frame; treat it as an upper bound.
const continueCredit = 128 * 1024

// frame is one Wisp frame: type u8, stream id u32 LE, payload.
type frame struct {
	Type     byte
	StreamID uint32
	Payload  []byte
}

const frameHeaderSize = 5

func parseFrame(b []byte) (frame, error) {
	if len(b) < frameHeaderSize {
		return frame{}, fmt.Errorf("frame too short: %d bytes", len(b))
	}
	return frame{
		Type:     b[0],
		StreamID: binary.LittleEndian.Uint32(b[1:5]),
		Payload:  b[frameHeaderSize:],
	}, nil
}

func encodeFrame(f frame) []byte {
	out := make([]byte, frameHeaderSize+len(f.Payload))
	out[0] = f.Type
	binary.LittleEndian.PutUint32(out[1:5], f.StreamID)
	copy(out[frameHeaderSize:], f.Payload)
	return out
}

// connectPayload is the CONNECT frame body: stream type u8, port u16 LE,
// hostname UTF-8.
type connectPayload struct {
	StreamType byte
	Port       uint16
	Hostname   string
}

func parseConnectPayload(b []byte) (connectPayload, error) {
	if len(b) < 3 {
		return connectPayload{}, fmt.Errorf("connect payload too short: %d bytes", len(b))
	}
	return connectPayload{
		StreamType: b[0],
		Port:       binary.LittleEndian.Uint16(b[1:3]),
		Hostname:   string(b[3:]),
	}, nil
}

func continuePayload(bufferRemaining uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, bufferRemaining)
	return out
}

func closeFrame(streamID uint32, reason byte) []byte {
	return encodeFrame(frame{Type: frameClose, StreamID: streamID, Payload: []byte{reason}})
}

func continueFrame(streamID uint32, bufferRemaining uint32) []byte {
	return encodeFrame(frame{Type: frameContinue, StreamID: streamID, Payload: continuePayload(bufferRemaining)})
}

func dataFrame(streamID uint32, data []byte) []byte {
	return encodeFrame(frame{Type: frameData, StreamID: streamID, Payload: data})
}
