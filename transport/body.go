package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrShortBody = errors.New("transport: truncated data frame")

const (
	descBuffer byte = 1
	descPort   byte = 2
)

// descriptor is one entry of a data frame's transfer section: either the bytes of a
// transferred buffer or the channel id a transferred port now lives on.
type descriptor struct {
	kind    byte
	data    []byte
	channel uint32
}

// encodeBody lays out a data frame body:
//
//	[2 n]{[1 kind=1][4 len][bytes] | [1 kind=2][4 channel]}[message]
func encodeBody(descs []descriptor, msg []byte) []byte {
	size := 2 + len(msg)
	for _, d := range descs {
		if d.kind == descBuffer {
			size += 1 + 4 + len(d.data)
		} else {
			size += 1 + 4
		}
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf, uint16(len(descs)))
	offset := 2
	for _, d := range descs {
		buf[offset] = d.kind
		offset++
		if d.kind == descBuffer {
			binary.BigEndian.PutUint32(buf[offset:], uint32(len(d.data)))
			offset += 4
			offset += copy(buf[offset:], d.data)
			continue
		}
		binary.BigEndian.PutUint32(buf[offset:], d.channel)
		offset += 4
	}
	copy(buf[offset:], msg)
	return buf
}

func decodeBody(body []byte) ([]descriptor, []byte, error) {
	if len(body) < 2 {
		return nil, nil, ErrShortBody
	}
	n := int(binary.BigEndian.Uint16(body))
	offset := 2
	descs := make([]descriptor, 0, n)
	for i := 0; i < n; i++ {
		if len(body) < offset+5 {
			return nil, nil, ErrShortBody
		}
		kind := body[offset]
		v := binary.BigEndian.Uint32(body[offset+1:])
		offset += 5
		switch kind {
		case descBuffer:
			if uint32(len(body)-offset) < v {
				return nil, nil, ErrShortBody
			}
			data := make([]byte, v)
			copy(data, body[offset:offset+int(v)])
			offset += int(v)
			descs = append(descs, descriptor{kind: descBuffer, data: data})
		case descPort:
			descs = append(descs, descriptor{kind: descPort, channel: v})
		default:
			return nil, nil, fmt.Errorf("transport: unknown transfer kind %d", kind)
		}
	}
	return descs, body[offset:], nil
}
