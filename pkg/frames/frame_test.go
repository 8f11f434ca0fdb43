package frames

import (
	"bytes"
	"testing"
)

func TestPooledAudioFrameRelease(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	af := NewAudioFrameFromPool("stream-1", 1000, payload, 8000, 1, nil)
	if !bytes.Equal(af.RawPayload(), payload) {
		t.Fatalf("payload = %v, want %v", af.RawPayload(), payload)
	}
	// Mutating the caller's slice must not reach the frame.
	payload[0] = 0xFF
	if af.RawPayload()[0] != 0x01 {
		t.Fatalf("pooled frame aliases caller payload")
	}
	if !ReleaseAudioFrame(af) {
		t.Fatalf("pooled frame not released")
	}
	plain := NewAudioFrame("stream-1", 2000, []byte{0x04}, 8000, 1, nil)
	if ReleaseAudioFrame(plain) {
		t.Fatalf("non-pooled frame reported released")
	}
}

func TestPTSGenPerStream(t *testing.T) {
	g := NewPTSGen()
	a1 := g.Next("a")
	a2 := g.Next("a")
	b1 := g.Next("b")
	if a2 <= a1 {
		t.Fatalf("pts not increasing: %d then %d", a1, a2)
	}
	if b1 != a1 {
		t.Fatalf("streams share a counter: a=%d b=%d", a1, b1)
	}
	g.Forget("a")
	if got := g.Next("a"); got != a1 {
		t.Fatalf("Forget did not reset stream counter: got %d, want %d", got, a1)
	}
}

func TestTextFrameMeta(t *testing.T) {
	tf := NewTextFrame("stream-1", 10, "hello", map[string]string{MetaSource: "agent"})
	if tf.Kind() != KindText {
		t.Fatalf("kind = %q", tf.Kind())
	}
	meta := tf.Meta()
	if meta[MetaStreamID] != "stream-1" || meta[MetaSource] != "agent" {
		t.Fatalf("meta = %v", meta)
	}
	// Meta returns a copy.
	meta[MetaSource] = "caller"
	if tf.Meta()[MetaSource] != "agent" {
		t.Fatalf("Meta leaked internal map")
	}
}
