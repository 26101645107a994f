package ledger

import "testing"

func TestParseKind(t *testing.T) {
	cases := []struct {
		in   string
		want Kind
		ok   bool
	}{
		{"anchor-created", KindAnchorCreated, true},
		{"signature-verified", KindSignatureVerified, true},
		{"checkpoint-created", KindCheckpointCreated, true},
		{" policy-decision ", KindPolicyDecision, true},
		{"ext:custom-replay", Kind("ext:custom-replay"), true},
		{"", "", false},
		{"ext:", "", false},
		{"made-up", "", false},
		{"Anchor-Created", "", false},
	}
	for _, c := range cases {
		got, err := ParseKind(c.in)
		if c.ok && err != nil {
			t.Fatalf("ParseKind(%q): unexpected error %v", c.in, err)
		}
		if !c.ok && err == nil {
			t.Fatalf("ParseKind(%q): expected error, got %q", c.in, got)
		}
		if c.ok && got != c.want {
			t.Fatalf("ParseKind(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestKindPredicates(t *testing.T) {
	if !KindThresholdApplied.FidelityBearing() || !KindSynthesisScored.FidelityBearing() {
		t.Fatal("threshold-applied and synthesis-scored must be fidelity-bearing")
	}
	if KindAnchorCreated.FidelityBearing() {
		t.Fatal("anchor-created must not be fidelity-bearing")
	}
	if !Kind("ext:x").Extension() {
		t.Fatal("ext: kinds must report Extension")
	}
	if KindPolicyDecision.Extension() {
		t.Fatal("built-in kinds must not report Extension")
	}
}
