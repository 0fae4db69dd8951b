package toolid

import (
	"strings"
	"testing"
)

func TestNormalizeIsDeterministic(t *testing.T) {
	a := Normalize("call_abc123")
	b := Normalize("call_abc123")
	if a != b {
		t.Errorf("normalization not deterministic: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "toolu_") {
		t.Errorf("normalized id %q lacks native prefix", a)
	}
	if a == Normalize("call_other") {
		t.Error("distinct foreign ids collided")
	}
}

func TestNormalizeIsIdempotentOnNativeIDs(t *testing.T) {
	native := "toolu_01Xyz"
	if got := Normalize(native); got != native {
		t.Errorf("native id changed: %q", got)
	}
	if got := Normalize(Normalize("call_1")); got != Normalize("call_1") {
		t.Errorf("double normalization changed the id: %q", got)
	}
}

func TestNormalizeEmptyID(t *testing.T) {
	if got := Normalize(""); got != "" {
		t.Errorf("empty id = %q", got)
	}
}
