package version_test

import (
	"testing"

	"github.com/bilusteknoloji/lpm/internal/version"
)

func mustParse(t *testing.T, s string) version.Version {
	t.Helper()

	v, err := version.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q) error: %v", s, err)
	}

	return v
}

func TestCompareNumeric(t *testing.T) {
	a := mustParse(t, "1.2.3")
	b := mustParse(t, "1.2.10")

	if version.Compare(a, b) >= 0 {
		t.Errorf("expected 1.2.3 < 1.2.10")
	}
}

func TestCompareMixedNumericAlpha(t *testing.T) {
	a := mustParse(t, "1.2.beta")
	b := mustParse(t, "1.2.3")

	if version.Compare(b, a) <= 0 {
		t.Errorf("expected numeric component to outrank alphabetic")
	}
}

func TestCompareShorterPrefix(t *testing.T) {
	a := mustParse(t, "1.0")
	b := mustParse(t, "1.0.1")

	if version.Compare(a, b) >= 0 {
		t.Errorf("expected 1.0 < 1.0.1")
	}
}

func TestCompareReleaseTiebreaker(t *testing.T) {
	a := mustParse(t, "1.0").WithRelease(1)
	b := mustParse(t, "1.0").WithRelease(2)

	if version.Compare(a, b) >= 0 {
		t.Errorf("expected release 1 < release 2 when version components equal")
	}
}

func TestInvalidVersion(t *testing.T) {
	_, err := version.Parse("")
	if err == nil {
		t.Fatal("expected error for empty version")
	}

	var iv *version.InvalidVersion
	if _, ok := err.(*version.InvalidVersion); !ok {
		t.Errorf("expected *InvalidVersion, got %T", err)
	}

	_ = iv
}

func TestSatisfiesBasicOps(t *testing.T) {
	v := mustParse(t, "1.5.0")

	cases := []struct {
		constraint string
		want       bool
	}{
		{"= 1.5.0", true},
		{"= 1.5.1", false},
		{"!= 1.5.1", true},
		{"> 1.4.0", true},
		{">= 1.5.0", true},
		{"< 2.0.0", true},
		{"<= 1.5.0", true},
	}

	for _, tc := range cases {
		c, err := version.ParseConstraint(tc.constraint)
		if err != nil {
			t.Fatalf("ParseConstraint(%q) error: %v", tc.constraint, err)
		}

		if got := version.Satisfies(v, c); got != tc.want {
			t.Errorf("Satisfies(%s, %q) = %v, want %v", v.Raw, tc.constraint, got, tc.want)
		}
	}
}

func TestSatisfiesCompatRelease(t *testing.T) {
	floor := mustParse(t, "2.2.0")
	c := version.Constraint{Op: version.OpCompat, Version: floor}

	if !version.Satisfies(mustParse(t, "2.2.5"), c) {
		t.Error("expected 2.2.5 to satisfy ~=2.2.0")
	}

	if !version.Satisfies(mustParse(t, "2.2.0"), c) {
		t.Error("expected 2.2.0 to satisfy ~=2.2.0")
	}

	if version.Satisfies(mustParse(t, "2.3.0"), c) {
		t.Error("expected 2.3.0 to NOT satisfy ~=2.2.0 (leading components must match)")
	}

	if version.Satisfies(mustParse(t, "2.2.0").WithRelease(-1), c) {
		t.Skip("release is non-negative in practice; placeholder for symmetry")
	}
}

func TestSatisfiesAll(t *testing.T) {
	v := mustParse(t, "1.2.13")

	c1, _ := version.ParseConstraint(">= 1.2")
	c2, _ := version.ParseConstraint("< 2.0")

	if !version.SatisfiesAll(v, []version.Constraint{c1, c2}) {
		t.Error("expected 1.2.13 to satisfy both constraints")
	}

	c3, _ := version.ParseConstraint("< 1.0")
	if version.SatisfiesAll(v, []version.Constraint{c1, c3}) {
		t.Error("expected conjunction to fail when one constraint fails")
	}
}
