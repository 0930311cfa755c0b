package envelope

import (
	"bytes"
	"encoding/json"
	"math/rand/v2"
	"testing"

	"github.com/lsm/hookbridge/internal/broker"
)

func TestNew_UTF8(t *testing.T) {
	env := New(broker.Message{Topic: "t1", Partition: 0, Offset: 10, Payload: []byte("a"), Timestamp: 1700000000000})

	body, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]any{
		"message":   "a",
		"encoding":  "utf-8",
		"topic":     "t1",
		"partition": float64(0),
		"offset":    float64(10),
		"timestamp": float64(1700000000000),
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

func TestNew_Binary(t *testing.T) {
	env := New(broker.Message{Topic: "t1", Payload: []byte{0xFF, 0xFE}})

	if env.Encoding != EncodingBase64 {
		t.Errorf("encoding = %q, want base64", env.Encoding)
	}
	if env.Message != "//4=" {
		t.Errorf("message = %q, want //4=", env.Message)
	}

	body, _ := env.Marshal()
	if !bytes.Contains(body, []byte(`"encoding":"base64"`)) || !bytes.Contains(body, []byte(`"message":"//4="`)) {
		t.Errorf("unexpected body %s", body)
	}
}

func TestNew_EmptyPayload(t *testing.T) {
	env := New(broker.Message{Topic: "t1"})
	if env.Message != "" || env.Encoding != EncodingUTF8 {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestPayload_RoundTrip(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	cases := [][]byte{
		nil,
		[]byte("plain text"),
		[]byte(`{"json":true}`),
		[]byte("héllo wörld ✓"),
		{0x00, 0x01, 0x02},
		{0xC3, 0x28},
		{0xFF, 0xFE},
	}
	for i := 0; i < 50; i++ {
		b := make([]byte, r.IntN(64))
		for j := range b {
			b[j] = byte(r.UintN(256))
		}
		cases = append(cases, b)
	}

	for _, payload := range cases {
		env := New(broker.Message{Payload: payload})
		body, err := env.Marshal()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		parsed, err := Unmarshal(body)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got, err := parsed.Payload()
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("round trip mismatch: got %x, want %x (encoding %s)", got, payload, parsed.Encoding)
		}
	}
}

func TestPayload_UnknownEncoding(t *testing.T) {
	if _, err := (Envelope{Message: "x", Encoding: "rot13"}).Payload(); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
}

func TestPayload_BadBase64(t *testing.T) {
	if _, err := (Envelope{Message: "!!", Encoding: EncodingBase64}).Payload(); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}
