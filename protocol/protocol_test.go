package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		FrameType: FrameData,
		Channel:   12345,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() != HeaderSize+len(body) {
		t.Fatalf("expect %d bytes on the wire, got %d", HeaderSize+len(body), buf.Len())
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decodedHeader.CodecType != header.CodecType {
		t.Errorf("CodecType mismatch: got %d, want %d", decodedHeader.CodecType, header.CodecType)
	}
	if decodedHeader.FrameType != header.FrameType {
		t.Errorf("FrameType mismatch: got %d, want %d", decodedHeader.FrameType, header.FrameType)
	}
	if decodedHeader.Channel != header.Channel {
		t.Errorf("Channel mismatch: got %d, want %d", decodedHeader.Channel, header.Channel)
	}
	if decodedHeader.BodyLen != uint32(len(body)) {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, len(body))
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(FrameData), 0x00, 0x00, 0x30, 0x39, 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("Expected error for invalid magic number, but got nil")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("invalid magic number")) {
		t.Errorf("Error message should contain 'invalid magic', instead: %v", err)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	for _, ft := range []FrameType{FrameHeartbeat, FrameClose} {
		header := Header{CodecType: CodecTypeJSON, FrameType: ft, Channel: 7}
		var buf bytes.Buffer
		if err := Encode(&buf, &header, nil); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}

		decodedHeader, decodedBody, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if decodedHeader.FrameType != ft {
			t.Errorf("FrameType mismatch: got %d, want %d", decodedHeader.FrameType, ft)
		}
		if decodedHeader.BodyLen != 0 || len(decodedBody) != 0 {
			t.Errorf("Expected empty body, got length %d", len(decodedBody))
		}
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{
		MagicNumber, MagicByte2, MagicByte3,
		0xFF, // wrong version
		CodecTypeJSON,
		byte(FrameData),
		0, 0, 0, 1,
		0, 0, 0, 0,
	})

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("expect error for wrong version")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("unsupported version")) {
		t.Errorf("error should mention 'unsupported version', got: %v", err)
	}
}

func TestDecodeInvalidFrameType(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeBinary, 0x09, 0, 0, 0, 0, 0, 0, 0, 0})
	if _, _, err := Decode(&buf); err == nil {
		t.Fatal("expect error for unknown frame type")
	}
}

func TestDecodeOversizedBody(t *testing.T) {
	raw := []byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeJSON, byte(FrameData), 0, 0, 0, 0, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(raw[10:14], MaxBodyLen+1)
	if _, _, err := Decode(bytes.NewReader(raw)); err == nil {
		t.Fatal("expect error for oversized body")
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	header := &Header{CodecType: CodecTypeBinary, FrameType: FrameData, Channel: 999}
	if err := Encode(&buf, header, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body mismatch")
	}
}
