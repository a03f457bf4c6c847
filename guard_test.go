package lagoon

import "testing"

func TestGuardTokenLifecycle(t *testing.T) {
	g := NewGuard()
	tok := g.Capture()
	if !tok.Valid() {
		t.Fatal("fresh token should be valid")
	}

	g.Advance()
	if tok.Valid() {
		t.Error("token from a previous generation must be invalid")
	}

	tok2 := g.Capture()
	if !tok2.Valid() {
		t.Error("token captured after advance should be valid")
	}
	if tok.Valid() {
		t.Error("old token must stay invalid")
	}
}

func TestGuardRepeatedAdvance(t *testing.T) {
	g := NewGuard()
	tok := g.Capture()
	for i := 0; i < 5; i++ {
		g.Advance()
	}
	if tok.Valid() {
		t.Error("token must be invalid after any number of advances")
	}
	if g.Generation() != 5 {
		t.Errorf("Generation() = %d, want 5", g.Generation())
	}
}

func TestZeroTokenInvalid(t *testing.T) {
	var tok Token
	if tok.Valid() {
		t.Error("zero token must not be valid")
	}
}
