package store

import (
	"context"
	"testing"
)

func TestTenantScopeFromContextDefaultsWhenUnset(t *testing.T) {
	scope := TenantScopeFromContext(context.Background())
	if scope.TenantID != DefaultTenantID || scope.Namespace != DefaultNamespace {
		t.Fatalf("unexpected default scope: %+v", scope)
	}
}

func TestWithTenantScopeRoundTrip(t *testing.T) {
	ctx := WithTenantScope(context.Background(), "team-a", "prod")
	scope := TenantScopeFromContext(ctx)
	if scope.TenantID != "team-a" || scope.Namespace != "prod" {
		t.Fatalf("unexpected scope: %+v", scope)
	}
}

func TestWithTenantScopeFallsBackOnInvalidParts(t *testing.T) {
	ctx := WithTenantScope(context.Background(), "  ", "has spaces")
	scope := TenantScopeFromContext(ctx)
	if scope.TenantID != DefaultTenantID {
		t.Fatalf("expected tenant to fall back to default, got %q", scope.TenantID)
	}
	if scope.Namespace != DefaultNamespace {
		t.Fatalf("expected namespace to fall back to default, got %q", scope.Namespace)
	}
}

func TestIsValidTenantScopePart(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"team-a", true},
		{"team_a.prod", true},
		{"", false},
		{"has spaces", false},
		{"-leading-dash", false},
	}
	for _, tc := range cases {
		if got := IsValidTenantScopePart(tc.value); got != tc.want {
			t.Errorf("IsValidTenantScopePart(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}
