package insn

import "testing"

func TestFlagHas(t *testing.T) {
	f := FlagEnabled | FlagResumed
	if !f.Has(FlagEnabled) || !f.Has(FlagResumed) {
		t.Fatalf("expected both flags set, got %v", f)
	}
	if f.Has(FlagAborted) {
		t.Fatalf("did not expect FlagAborted set")
	}
}

func TestClassString(t *testing.T) {
	cases := map[Class]string{
		ClassOther:        "other",
		ClassDirectJump:   "direct_jump",
		ClassCondJump:     "cond_jump",
		ClassIndirectJump: "indirect_jump",
	}
	for class, want := range cases {
		if got := class.String(); got != want {
			t.Errorf("Class(%d).String() = %q, want %q", class, got, want)
		}
	}
}
