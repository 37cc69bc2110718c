package offset

import "testing"

func TestFormatParseRoundTrip(t *testing.T) {
	s := Format(1, 42)
	if s != "0000000000000001_0000000000000042" {
		t.Fatalf("got %q", s)
	}
	rs, bo, ok := Parse(s)
	if !ok || rs != 1 || bo != 42 {
		t.Fatalf("got (%d, %d, %v), want (1, 42, true)", rs, bo, ok)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"", "-1", "abc_def", "1_2", "00000000000000010000000000000042"} {
		if _, _, ok := Parse(bad); ok {
			t.Fatalf("expected Parse(%q) to fail", bad)
		}
	}
}

func TestCompareIsLexicographic(t *testing.T) {
	a := Format(0, 9)
	b := Format(0, 10)
	// Numeric comparison would say a < b (9 < 10); lexicographic on the
	// zero-padded strings agrees here, which is the point: all offsets are
	// fixed-width so lexicographic and numeric order coincide within a
	// generation.
	if Compare(a, b) >= 0 {
		t.Fatalf("expected %q < %q", a, b)
	}
}

func TestOffsetMonotonicityAcrossAppends(t *testing.T) {
	// Property: for any two appends A then B, B.offset > A.offset
	// lexicographically.
	offsets := []string{Format(0, 0)}
	for i := uint64(1); i < 1000; i++ {
		offsets = append(offsets, Format(0, i))
	}
	for i := 1; i < len(offsets); i++ {
		if Compare(offsets[i-1], offsets[i]) >= 0 {
			t.Fatalf("offset %d (%q) not strictly greater than offset %d (%q)", i, offsets[i], i-1, offsets[i-1])
		}
	}
}

func TestNext(t *testing.T) {
	n, ok := Next(Format(2, 5), 3)
	if !ok || n != Format(2, 8) {
		t.Fatalf("got (%q, %v), want (%q, true)", n, ok, Format(2, 8))
	}
	if _, ok := Next("garbage", 1); ok {
		t.Fatalf("expected Next on malformed input to fail")
	}
}
