package sfid

import (
	"strings"
	"testing"
)

func TestValidate_Valid(t *testing.T) {
	valid := []string{
		"p_m3x10",
		"l_a1",
		"b_2024-03-01",
		"p_some_long-part_name9",
		"l_x0",
	}
	for _, id := range valid {
		if err := Validate(id); err != nil {
			t.Errorf("Validate(%q) failed: %v", id, err)
		}
	}
}

func TestValidate_Invalid(t *testing.T) {
	invalid := []string{
		"",
		"p_",                   // no body
		"P_M3X10",              // uppercase
		"p m3",                 // space
		"m3x10",                // no prefix separator
		"p_m3x10_",             // trailing underscore
		"p_../etc",             // path traversal characters
		"p_" + strings.Repeat("a", 64), // too long
		"q_thing",              // unregistered prefix
		"x_abc",                // unregistered prefix
	}
	for _, id := range invalid {
		if err := Validate(id); err == nil {
			t.Errorf("Validate(%q) should fail", id)
		}
	}
}

func TestKindOf_MatchesPrefix(t *testing.T) {
	cases := map[string]Kind{
		"p_m3x10": KindPart,
		"l_a1":    KindLocation,
		"b_run1":  KindBuild,
	}
	for id, want := range cases {
		got, err := KindOf(id)
		if err != nil {
			t.Fatalf("KindOf(%q) failed: %v", id, err)
		}
		if got != want {
			t.Errorf("KindOf(%q) = %q, want %q", id, got, want)
		}
	}
}

func TestValidateLocation(t *testing.T) {
	if err := ValidateLocation("l_a1"); err != nil {
		t.Errorf("ValidateLocation(l_a1) failed: %v", err)
	}
	if err := ValidateLocation("p_m3x10"); err == nil {
		t.Error("ValidateLocation should reject a part sfid")
	}
}
