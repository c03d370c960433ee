package paperrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelsAreDistinct(t *testing.T) {
	all := []error{
		ErrInvariant, ErrPermissionDenied, ErrForbiddenImport,
		ErrMissingItem, ErrCodeletExecution, ErrReferenceResolution, ErrFormat,
	}
	for i, a := range all {
		for j, b := range all {
			if i != j && errors.Is(a, b) {
				t.Fatalf("expected %v and %v to be distinct sentinels", a, b)
			}
		}
	}
}

func TestWrappedSentinelIsDetectable(t *testing.T) {
	wrapped := fmt.Errorf("stamping /data/x: %w", ErrInvariant)
	if !errors.Is(wrapped, ErrInvariant) {
		t.Fatalf("expected errors.Is to see through the wrap")
	}
	if errors.Is(wrapped, ErrFormat) {
		t.Fatalf("did not expect wrapped ErrInvariant to match ErrFormat")
	}
}
