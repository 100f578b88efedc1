package jsoncodec

import (
	"bytes"
	"strings"
	"testing"
)

type credential struct {
	Tenant string `json:"tenant"`
	Token  string `json:"token"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := credential{Tenant: "tenantA", Token: "t-1"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out credential
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}

	indented, err := MarshalIndent(in, "", "  ")
	if err != nil {
		t.Fatalf("marshal indent failed: %v", err)
	}
	if !strings.Contains(string(indented), "\n  \"tenant\"") {
		t.Fatalf("expected indented output, got %s", indented)
	}
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Encode(buf, map[string]bool{"ready": true}); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Fatalf("expected trailing newline, got %q", buf.String())
	}

	var decoded map[string]bool
	if err := Decode(buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !decoded["ready"] {
		t.Fatalf("unexpected decoded value %#v", decoded)
	}
}

func TestValid(t *testing.T) {
	if !Valid([]byte(`{"a":1}`)) {
		t.Fatal("expected valid JSON")
	}
	if Valid([]byte(`{a:1`)) {
		t.Fatal("expected invalid JSON")
	}
}
