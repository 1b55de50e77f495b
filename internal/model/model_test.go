package model

import "testing"

func TestDecodePropertyValueScalars(t *testing.T) {
	cases := []struct {
		raw  string
		kind PropertyValueKind
	}{
		{EncodeText("done"), KindText},
		{EncodeNumber(3), KindNumber},
		{EncodeBool(true), KindBool},
		{EncodeRefs([]string{"a", "b"}), KindRefs},
		{"", KindNull},
	}
	for _, tc := range cases {
		got := DecodePropertyValue(tc.raw)
		if got.Kind != tc.kind {
			t.Errorf("DecodePropertyValue(%q).Kind = %v, want %v", tc.raw, got.Kind, tc.kind)
		}
	}
}

func TestDecodePropertyValueBareReference(t *testing.T) {
	// A single-reference value is stored unquoted: a raw node ID, not valid JSON
	// unless it happens to look like a JSON literal.
	got := DecodePropertyValue("node-abc123")
	if got.Kind != KindRef {
		t.Fatalf("Kind = %v, want KindRef", got.Kind)
	}
	if got.Ref != "node-abc123" {
		t.Errorf("Ref = %v, want node-abc123", got.Ref)
	}
}

func TestDecodePropertyValueMalformedNeverPanics(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("DecodePropertyValue panicked: %v", r)
		}
	}()
	DecodePropertyValue(`{"unterminated`)
	DecodePropertyValue(`[1,2,`)
}

func TestNodeIsDeleted(t *testing.T) {
	n := Node{}
	if n.IsDeleted() {
		t.Errorf("IsDeleted() = true, want false")
	}
	ts := int64(1000)
	n.DeletedAt = &ts
	if !n.IsDeleted() {
		t.Errorf("IsDeleted() = false, want true")
	}
}
