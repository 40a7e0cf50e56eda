package mavlink

import (
	"bytes"
	"testing"
)

func buildHeartbeat(seq, sysid, compid uint8) *Frame {
	return &Frame{
		Seq:     seq,
		SysID:   sysid,
		CompID:  compid,
		MsgID:   MsgIDHeartbeat,
		Payload: make([]byte, 9),
	}
}

func TestFinalizeAndParseRoundTrip(t *testing.T) {
	f := buildHeartbeat(7, 1, 1)
	if err := Finalize(f, 7, nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	parsed, n, result := ParseOne(f.Raw)
	if result != ParseOK {
		t.Fatalf("ParseOne result = %v, want ParseOK", result)
	}
	if n != len(f.Raw) {
		t.Fatalf("consumed %d bytes, want %d", n, len(f.Raw))
	}
	if parsed.MsgID != MsgIDHeartbeat || parsed.Seq != 7 || parsed.SysID != 1 {
		t.Fatalf("parsed frame mismatch: %+v", parsed)
	}
	if parsed.Signed() {
		t.Fatal("unsigned frame parsed as signed")
	}
}

func TestFinalizeSignedRoundTrip(t *testing.T) {
	f := buildHeartbeat(1, 2, 3)
	key := [32]byte{1, 2, 3}
	sign := &SignContext{Key: key, LinkID: 0, Timestamp: 100}
	if err := Finalize(f, 1, sign); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !f.Signed() {
		t.Fatal("expected SIGNED incompat flag set")
	}

	parsed, _, result := ParseOne(f.Raw)
	if result != ParseOK {
		t.Fatalf("ParseOne result = %v", result)
	}
	if !verifySignature(key, parsed) {
		t.Fatal("signature did not verify with the correct key")
	}
	wrongKey := [32]byte{9, 9, 9}
	if verifySignature(wrongKey, parsed) {
		t.Fatal("signature verified with the wrong key")
	}
}

func TestParseOneIncomplete(t *testing.T) {
	f := buildHeartbeat(1, 1, 1)
	_ = Finalize(f, 1, nil)

	_, n, result := ParseOne(f.Raw[:len(f.Raw)-1])
	if result != ParseIncomplete {
		t.Fatalf("result = %v, want ParseIncomplete", result)
	}
	if n != 0 {
		t.Fatalf("consumed %d bytes on incomplete frame, want 0", n)
	}
}

func TestParseOneSkipsGarbage(t *testing.T) {
	f := buildHeartbeat(1, 1, 1)
	_ = Finalize(f, 1, nil)

	buf := append([]byte{0x00, 0x11, 0x22}, f.Raw...)
	var consumed int
	for {
		parsed, n, result := ParseOne(buf[consumed:])
		consumed += n
		if result == ParseOK {
			if parsed.MsgID != MsgIDHeartbeat {
				t.Fatalf("unexpected message after skipping garbage: %+v", parsed)
			}
			return
		}
		if result == ParseIncomplete {
			t.Fatal("ran out of buffer before finding the frame")
		}
	}
}

func TestParserFeedAcrossReads(t *testing.T) {
	f := buildHeartbeat(1, 1, 1)
	_ = Finalize(f, 1, nil)

	var p Parser
	p.Feed(f.Raw[:5])
	if _, ok := p.Next(); ok {
		t.Fatal("Next returned a frame before enough bytes were fed")
	}
	p.Feed(f.Raw[5:])
	frame, ok := p.Next()
	if !ok {
		t.Fatal("Next did not return a frame once all bytes were fed")
	}
	if frame.MsgID != MsgIDHeartbeat {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestFinalizeUnknownMessageID(t *testing.T) {
	f := &Frame{MsgID: 99999, Payload: []byte{1, 2, 3}}
	if err := Finalize(f, 1, nil); err == nil {
		t.Fatal("expected error finalizing a synthesized frame with no prior wire bytes")
	}
}

// buildUnknownIDWireFrame hand-assembles a syntactically valid MAVLink v2
// frame for a message ID outside the curated dialect table. Its checksum
// bytes are arbitrary: ParseOne never verifies them, and the whole point
// of this frame is to exercise the passthrough path, which never
// recomputes them either.
func buildUnknownIDWireFrame(msgID uint32, payload []byte, seq uint8) []byte {
	raw := []byte{
		magicV2, byte(len(payload)), 0, 0, seq, 1, 1,
		byte(msgID), byte(msgID >> 8), byte(msgID >> 16),
	}
	raw = append(raw, payload...)
	raw = append(raw, 0xAB, 0xCD)
	return raw
}

func TestFinalizePassesThroughUnknownMessageID(t *testing.T) {
	raw := buildUnknownIDWireFrame(9999, []byte{9, 8, 7, 6}, 5)

	parsed, n, result := ParseOne(raw)
	if result != ParseOK || n != len(raw) {
		t.Fatalf("ParseOne: result=%v n=%d", result, n)
	}

	if err := Finalize(parsed, parsed.Seq, nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !bytes.Equal(parsed.Raw, raw) {
		t.Fatalf("passthrough altered the wire bytes: got %x, want %x", parsed.Raw, raw)
	}
}
