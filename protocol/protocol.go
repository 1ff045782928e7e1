// Package protocol implements the binary frame protocol used to carry channel traffic
// over byte streams.
//
// A fixed 14-byte header is followed by a variable-length body. The receiver reads the
// header first to learn the body length, then reads exactly that many bytes. The channel
// field multiplexes many logical ports over one connection: channel 0 is the root port,
// every transferred port gets its own id.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│ft│ channel │ bodyLen │    body ...    │
//	│ prx  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "prx". Lets either side reject a peer that is not speaking
// this protocol (an HTTP client on the wrong port, say) on the first frame.
const (
	MagicNumber byte = 0x70 // 'p'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x78 // 'x'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (frameType) + 4 (channel) + 4 (bodyLen)

	// MaxBodyLen caps a single frame so a corrupt length cannot trigger a huge allocation.
	MaxBodyLen uint32 = 64 << 20
)

// FrameType distinguishes payload, teardown and keepalive frames.
type FrameType byte

const (
	FrameData      FrameType = 0 // Message (plus transfer descriptors) for one channel
	FrameClose     FrameType = 1 // The sender closed this channel; no body
	FrameHeartbeat FrameType = 2 // KeepAlive probe; no body
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte      // Serialization format of the message inside a data frame
	FrameType FrameType // Data, Close, or Heartbeat
	Channel   uint32    // Logical port this frame belongs to
	BodyLen   uint32    // Body length in bytes
}

// Encode writes a complete frame (header + body) to w in a single Write.
// Callers sharing w across goroutines must still serialize calls.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.FrameType)
	binary.BigEndian.PutUint32(buf[6:10], h.Channel)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, frame type and body length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}

	frameType := FrameType(headerBuf[5])
	if frameType != FrameData && frameType != FrameClose && frameType != FrameHeartbeat {
		return nil, nil, fmt.Errorf("unsupported frame type: %d", frameType)
	}

	channel := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		FrameType: frameType,
		Channel:   channel,
		BodyLen:   bodyLen,
	}, body, nil
}
