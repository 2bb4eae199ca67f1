package auth

import (
	"errors"
	"reflect"
	"testing"
)

func TestPermissionsExpandRoles(t *testing.T) {
	got := Permissions([]string{"viewer", "operator", "ghost"}, []string{"case.event", ""})
	want := []string{PermCaseEvent, PermCaseRead, PermCycleRun, PermEventsRead}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestRequire(t *testing.T) {
	if err := Require([]string{PermCaseRead}, PermCaseRead); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := Require(Permissions([]string{"viewer"}, nil), PermCycleRun)
	var fe ForbiddenError
	if !errors.As(err, &fe) || fe.Permission != PermCycleRun {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if !KnownRole("advisor") || KnownRole("root") {
		t.Fatalf("role table mismatch")
	}
}
