package capability

import (
	"errors"
	"testing"

	"github.com/equiplan/equiplan/internal/shared"
)

func TestDefaultsUnknownRoleIsEmpty(t *testing.T) {
	set := Defaults("superduper")
	if len(set) != 0 {
		t.Fatalf("expected empty capability set for unknown role, got %v", set)
	}
}

func TestDefaultsViewerOnlyViews(t *testing.T) {
	set := Defaults(RoleViewer)
	if !set[ViewRecords] {
		t.Fatalf("viewer should hold %s", ViewRecords)
	}
	if set[EditRecords] || set[ViewFinancials] {
		t.Fatalf("viewer must not hold edit or financial capabilities: %v", set)
	}
}

func TestDefaultsOwnerHoldsEverything(t *testing.T) {
	set := Defaults(RoleOwner)
	for _, c := range Capabilities() {
		if !set[c] {
			t.Fatalf("owner missing %s", c)
		}
	}
}

func TestValidateOverridesRejectsUnknownKeys(t *testing.T) {
	err := ValidateOverrides(map[string]bool{
		ViewFinancials:  true,
		"launch-rocket": true,
		"teleport":      false,
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	var verr *shared.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if len(verr.UnknownKeys) != 2 {
		t.Fatalf("expected 2 unknown keys, got %v", verr.UnknownKeys)
	}
	if verr.UnknownKeys[0] != "launch-rocket" || verr.UnknownKeys[1] != "teleport" {
		t.Fatalf("unexpected unknown keys: %v", verr.UnknownKeys)
	}
}

func TestValidateOverridesAcceptsKnownKeys(t *testing.T) {
	if err := ValidateOverrides(map[string]bool{ViewFinancials: false, Sync: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLabel(t *testing.T) {
	if got := Label(ViewFinancials); got != "View Financials" {
		t.Fatalf("unexpected label: %q", got)
	}
}
