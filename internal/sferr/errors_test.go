package sferr

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Message(t *testing.T) {
	e := New(CodeNotFound, "entity not found").WithEntity("p_m3x10")
	want := "NOT_FOUND: entity not found (entity=p_m3x10)"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}

	e2 := New(CodeUnresolvedBOMLine, "no released revision").WithEntity("p_asm").WithRev("2")
	want2 := "UNRESOLVED_BOM_LINE: no released revision (entity=p_asm, rev=2)"
	if e2.Error() != want2 {
		t.Errorf("Error() = %q, want %q", e2.Error(), want2)
	}
}

func TestCodeOf_Wrapped(t *testing.T) {
	inner := New(CodeAlreadyExists, "label exists").WithEntity("p_x").WithRev("1")
	wrapped := fmt.Errorf("cut revision: %w", inner)

	if !IsAlreadyExists(wrapped) {
		t.Error("IsAlreadyExists() = false for wrapped error")
	}
	if CodeOf(wrapped) != CodeAlreadyExists {
		t.Errorf("CodeOf() = %q, want %q", CodeOf(wrapped), CodeAlreadyExists)
	}
}

func TestCodeOf_Plain(t *testing.T) {
	if CodeOf(errors.New("plain")) != "" {
		t.Error("CodeOf(plain error) should be empty")
	}
	if IsNotFound(nil) {
		t.Error("IsNotFound(nil) = true")
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	e := New(CodeValidationError, "cannot write").Wrap(cause)
	if !errors.Is(e, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}
