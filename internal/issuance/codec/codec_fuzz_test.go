package codec

import (
	"bytes"
	"testing"
)

func FuzzTransportRoundTrip(f *testing.F) {
	f.Add([]byte{1, 2, 3})
	f.Add([]byte{0, 0, 0})
	f.Add([]byte("transaction"))

	c := New()
	f.Fuzz(func(t *testing.T, raw []byte) {
		if len(raw) == 0 {
			return
		}
		decoded, err := c.Decode(EncodeTransport(raw))
		if err != nil {
			t.Fatalf("decode of encoded bytes failed: %v", err)
		}
		if !bytes.Equal(decoded, raw) {
			t.Fatalf("transport round trip mismatch")
		}

		payload, err := c.Encode(raw)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		back, err := DecodeSubmission(payload)
		if err != nil {
			t.Fatalf("submission decode failed: %v", err)
		}
		if !bytes.Equal(back, raw) {
			t.Fatalf("submission round trip mismatch")
		}
	})
}

func FuzzDecodeNeverPanics(f *testing.F) {
	f.Add("AQID")
	f.Add("====")
	f.Add("")

	c := New()
	f.Fuzz(func(t *testing.T, s string) {
		raw, err := c.Decode(s)
		if err == nil && len(raw) == 0 {
			t.Fatalf("decode returned empty bytes without error")
		}
	})
}
