package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lucas-schuermann/pcisph-wasm/message"
)

var ErrShortBuffer = errors.New("codec: truncated binary message")

const (
	segmentNamed   byte = 0
	segmentIndexed byte = 1
)

// payload is the part of a message whose shape is open-ended; it is carried as JSON.
type payload struct {
	ArgumentList []message.WireValue `json:"a,omitempty"`
	Value        *message.WireValue  `json:"v,omitempty"`
}

// BinaryCodec lays out the fixed routing fields by hand and keeps only the wire values
// as JSON, so a dispatcher-side router can read id, type and path without parsing JSON.
//
//	[2 idLen][id][1 typeLen][type][2 nSeg]{[1 kind][2 len][name] | [1 kind][4 index]}[4 bodyLen][body]
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Message)
	if !ok {
		return nil, ErrNotMessage
	}

	body, err := json.Marshal(payload{ArgumentList: msg.ArgumentList, Value: msg.Value})
	if err != nil {
		return nil, err
	}

	// Calculate the length of the message
	total := 2 + len(msg.ID) + 1 + len(msg.Type) + 2 + 4 + len(body)
	for _, seg := range msg.Path {
		if seg.Indexed {
			total += 1 + 4
		} else {
			total += 1 + 2 + len(seg.Name)
		}
	}
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(msg.ID)))
	offset += 2
	offset += copy(buf[offset:], msg.ID)

	buf[offset] = byte(len(msg.Type))
	offset++
	offset += copy(buf[offset:], string(msg.Type))

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(msg.Path)))
	offset += 2
	for _, seg := range msg.Path {
		if seg.Indexed {
			buf[offset] = segmentIndexed
			binary.BigEndian.PutUint32(buf[offset+1:], uint32(int32(seg.Index)))
			offset += 5
			continue
		}
		buf[offset] = segmentNamed
		binary.BigEndian.PutUint16(buf[offset+1:], uint16(len(seg.Name)))
		offset += 3
		offset += copy(buf[offset:], seg.Name)
	}

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(body)))
	offset += 4
	copy(buf[offset:], body)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Message)
	if !ok {
		return ErrNotMessage
	}
	r := reader{data: data}

	msg.ID = string(r.next(int(r.u16())))
	msg.Type = message.MessageType(r.next(int(r.u8())))

	nSeg := int(r.u16())
	if r.err == nil && nSeg > 0 {
		msg.Path = make(message.Path, 0, nSeg)
	}
	for i := 0; i < nSeg && r.err == nil; i++ {
		switch kind := r.u8(); kind {
		case segmentIndexed:
			msg.Path = append(msg.Path, message.Index(int(int32(r.u32()))))
		case segmentNamed:
			msg.Path = append(msg.Path, message.Name(string(r.next(int(r.u16())))))
		default:
			if r.err == nil {
				r.err = fmt.Errorf("codec: unknown segment kind %d", kind)
			}
		}
	}

	body := r.next(int(r.u32()))
	if r.err != nil {
		return r.err
	}

	var p payload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &p); err != nil {
			return err
		}
	}
	msg.ArgumentList = p.ArgumentList
	msg.Value = p.Value
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks a byte slice and latches the first out-of-bounds read.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = ErrShortBuffer
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() byte {
	if b := r.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.next(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.next(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}
