package endpoint

import "testing"

func TestParsePhysicalRoundTrip(t *testing.T) {
	cases := []string{
		"physical://host:80",
		"physical://host:80/hub",
		"physical://host:80/hub/leaf",
		"physical://host:80/hub/leaf?o=42",
		"physical://host:80/hub/leaf?c=radio1",
		"physical://host:80/hub/leaf?broadcast",
		"physical://HOST:80/HUB?BROADCAST",
		"physical://detached",
	}
	for _, in := range cases {
		ep, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		canon := ep.String()
		ep2, err := Parse(canon)
		if err != nil {
			t.Fatalf("Parse(canon %q): %v", canon, err)
		}
		if ep2.String() != canon {
			t.Errorf("round trip mismatch: %q -> %q -> %q", in, canon, ep2.String())
		}
	}
}

func TestParsePhysicalChannelEndpoint(t *testing.T) {
	ep, err := Parse("physical://?c=radio1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !ep.IsChannel() {
		t.Errorf("expected channel endpoint")
	}
	if ep.ChannelHint() != "radio1" {
		t.Errorf("channel hint = %q, want radio1", ep.ChannelHint())
	}
}

func TestParsePhysicalRejectsEmptySegment(t *testing.T) {
	if _, err := Parse("physical://host//leaf"); err == nil {
		t.Errorf("expected error for empty segment")
	}
}

func TestParsePhysicalRejectsMissingAnchor(t *testing.T) {
	if _, err := Parse("physical://"); err == nil {
		t.Errorf("expected error for bare physical URI with no root or channel hint")
	}
}

func TestParsePhysicalMaxDepth(t *testing.T) {
	r := NewResolver(Config{MaxPhysicalDepth: 2})
	if _, err := r.Parse("physical://host/a/b"); err != nil {
		t.Fatalf("Parse within depth: %v", err)
	}
	if _, err := r.Parse("physical://host/a/b/c"); err == nil {
		t.Errorf("expected depth-exceeded error")
	}
}

func TestParseLogicalRoundTrip(t *testing.T) {
	cases := []string{
		"logical://apps/foo",
		"logical://apps/foo/*",
		"logical://apps/foo?broadcast",
		"logical://NULL",
	}
	for _, in := range cases {
		ep, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		canon := ep.String()
		ep2, err := Parse(canon)
		if err != nil {
			t.Fatalf("Parse(canon %q): %v", canon, err)
		}
		if ep2.String() != canon {
			t.Errorf("round trip mismatch: %q -> %q -> %q", in, canon, ep2.String())
		}
	}
}

func TestParseLogicalWildcardPlacement(t *testing.T) {
	bad := []string{
		"logical://apps/*/foo",
		"logical://apps/foo*",
		"logical://*/apps",
	}
	for _, in := range bad {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error, got none", in)
		}
	}
}

func TestParseLogicalRejectsBadQuery(t *testing.T) {
	if _, err := Parse("logical://apps/foo?o=1"); err == nil {
		t.Errorf("expected error: logical only recognizes broadcast query")
	}
}

func TestParseLogicalRejectsEmptySegment(t *testing.T) {
	if _, err := Parse("logical://apps//foo"); err == nil {
		t.Errorf("expected error for empty segment")
	}
}

func TestParseAbstractMapped(t *testing.T) {
	r := NewResolver(Config{AbstractMap: map[string]string{
		"billing": "logical://apps/billing",
	}})
	ep, err := r.Parse("abstract://billing")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !ep.IsLogical() || ep.String() != "logical://apps/billing" {
		t.Errorf("got %v %q", ep.Kind(), ep.String())
	}
}

func TestParseAbstractUnmappedFallsBackToLogical(t *testing.T) {
	r := NewResolver(Config{})
	ep, err := r.Parse("abstract://widgets")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ep.String() != "logical://widgets" {
		t.Errorf("got %q, want logical://widgets", ep.String())
	}
}

func TestIsNull(t *testing.T) {
	ep, err := Parse("logical://null")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !ep.IsNull() {
		t.Errorf("expected null endpoint")
	}
	other, _ := Parse("logical://nullish")
	if other.IsNull() {
		t.Errorf("nullish should not be treated as the null endpoint")
	}
}

func TestLogicalMatchScenarioA(t *testing.T) {
	// Scenario A: handler registered for logical://apps/foo/*, message
	// targets logical://apps/foo/bar.
	pattern, _ := Parse("logical://apps/foo/*")
	target, _ := Parse("logical://apps/foo/bar")
	if !pattern.LogicalMatch(target) {
		t.Errorf("expected wildcard match")
	}
	if !target.LogicalMatch(pattern) {
		t.Errorf("LogicalMatch must be symmetric")
	}
}

func TestLogicalMatchNoWildcardRequiresExactSegments(t *testing.T) {
	a, _ := Parse("logical://apps/foo")
	b, _ := Parse("logical://apps/foo/bar")
	if a.LogicalMatch(b) {
		t.Errorf("non-wildcard endpoints of different length must not match")
	}
}

func TestLogicalMatchBothWildcard(t *testing.T) {
	a, _ := Parse("logical://apps/foo/*")
	b, _ := Parse("logical://apps/foo/*")
	if !a.LogicalMatch(b) {
		t.Errorf("identical wildcard patterns must match")
	}
	c, _ := Parse("logical://apps/bar/*")
	if a.LogicalMatch(c) {
		t.Errorf("differing prefixes under wildcard must not match")
	}
}

func TestLogicalMatchSymmetryAndLocality(t *testing.T) {
	// Property 2: adding a strictly longer segment to either side
	// preserves the match iff the other side's last segment is "*". The
	// wildcard stands for exactly one trailing segment (§4.1: "at most
	// one more segment than the other... the wildcard itself"), so a
	// concrete side with zero or two-or-more extra segments relative to
	// the wildcard's prefix must not match.
	wc, _ := Parse("logical://apps/foo/*")
	short, _ := Parse("logical://apps/foo")
	if wc.LogicalMatch(short) {
		t.Errorf("wildcard side has more segments than short non-wildcard side; must not match without an extra segment")
	}
	oneExtra, _ := Parse("logical://apps/foo/bar")
	if !wc.LogicalMatch(oneExtra) {
		t.Errorf("wildcard must match exactly one extra segment")
	}
	if !oneExtra.LogicalMatch(wc) {
		t.Errorf("LogicalMatch must be symmetric")
	}
	longer, _ := Parse("logical://apps/foo/bar/baz")
	if wc.LogicalMatch(longer) {
		t.Errorf("wildcard covers exactly one extra segment, not two")
	}
}

func TestHierarchyPredicatesScenarioC(t *testing.T) {
	a, _ := Parse("physical://host:80/hub")
	b, _ := Parse("physical://host:80/hub/leaf")

	if a.IsPhysicalDescendant(b) {
		t.Errorf("A should not be a descendant of B")
	}
	if b.IsPhysicalDescendant(b) {
		t.Errorf("B should not be a descendant of itself")
	}
	if !b.IsPhysicalDescendant(a) {
		t.Errorf("B should be a descendant of A")
	}

	parent, err := a.Parent()
	if err != nil {
		t.Fatalf("Parent: %v", err)
	}
	want, _ := Parse("physical://host:80")
	if !parent.IsPhysicalMatch(want) {
		t.Errorf("A.Parent() = %q, want %q", parent.String(), want.String())
	}
}

func TestPhysicalPeer(t *testing.T) {
	a, _ := Parse("physical://host:80/hub/leaf1")
	b, _ := Parse("physical://host:80/hub/leaf2")
	if !a.IsPhysicalPeer(b) {
		t.Errorf("leaf1 and leaf2 should be peers")
	}
	c, _ := Parse("physical://otherhost:80/hub/leaf2")
	if a.IsPhysicalPeer(c) {
		t.Errorf("endpoints under different roots must not be peers")
	}
}

func TestIsPhysicalMatchIgnoresBroadcastAndQuery(t *testing.T) {
	a, _ := Parse("physical://host:80/hub?o=1&broadcast")
	b, _ := Parse("physical://host:80/hub?c=radio")
	if !a.IsPhysicalMatch(b) {
		t.Errorf("expected match ignoring broadcast/query")
	}
	if a.Equals(b) {
		t.Errorf("Equals should still distinguish differing query fields")
	}
}

func TestMutationAfterFreezeFails(t *testing.T) {
	ep := NewLogical("apps", "foo")
	_ = ep.String() // freezes
	if err := ep.SetBroadcast(true); err != ErrAlreadyInitialized {
		t.Errorf("got %v, want ErrAlreadyInitialized", err)
	}
}

func TestCloneResetBroadcast(t *testing.T) {
	ep := NewPhysical("host", 80, []string{"hub"})
	_ = ep.SetBroadcast(true)
	clone := ep.Clone(true)
	if clone.Broadcast() {
		t.Errorf("expected broadcast reset on clone")
	}
	preserved := ep.Clone(false)
	if !preserved.Broadcast() {
		t.Errorf("expected broadcast preserved on clone")
	}
}

func TestCopyMaxSegments(t *testing.T) {
	ep := NewPhysical("host", 80, []string{"hub", "leaf", "extra"})
	truncated := ep.CopyMaxSegments(2)
	if len(truncated.Segments()) != 2 {
		t.Errorf("got %d segments, want 2", len(truncated.Segments()))
	}
}

func TestIsDetachedRoot(t *testing.T) {
	ep, _ := Parse("physical://detached")
	if !ep.IsDetachedRoot() {
		t.Errorf("expected detached root")
	}
}

func TestCompareCaseInsensitiveCanonicalForm(t *testing.T) {
	a, _ := Parse("logical://Apps/Foo")
	b, _ := Parse("logical://apps/foo")
	if a.Compare(b) != 0 {
		t.Errorf("expected case-insensitive equality after canonicalization")
	}
}
