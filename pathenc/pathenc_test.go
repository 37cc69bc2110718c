package pathenc

import "testing"

func TestEncodeDecodeRoundTripShortPath(t *testing.T) {
	path := "/channels/tx-1?foo=bar&baz=qux"
	enc := EncodePath(path)
	if len(enc) > MaxPathLength {
		t.Fatalf("short path encoded to %d chars, want <= %d", len(enc), MaxPathLength)
	}
	got, ok := DecodePath(enc)
	if !ok {
		t.Fatalf("expected short encoding to be decodable")
	}
	if got != path {
		t.Fatalf("got %q, want %q", got, path)
	}
}

func TestEncodeTruncatesLongPaths(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = byte('a' + i%26)
	}
	path := string(long)
	enc := EncodePath(path)
	if len(enc) != TruncateLength+1+HashPrefixLength {
		t.Fatalf("got length %d, want %d", len(enc), TruncateLength+1+HashPrefixLength)
	}
	if _, ok := DecodePath(enc); ok {
		t.Fatalf("expected truncated encoding to be non-decodable")
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	path := "/a/b/c"
	if EncodePath(path) != EncodePath(path) {
		t.Fatalf("EncodePath is not deterministic")
	}
}

func TestDistinctShortPathsDontCollide(t *testing.T) {
	a := EncodePath("/foo")
	b := EncodePath("/bar")
	if a == b {
		t.Fatalf("distinct short paths collided")
	}
}

func TestGenerateStreamDirNameRoundTrip(t *testing.T) {
	path := "/channels/tx-42"
	dir, err := GenerateStreamDirName(path, 1700000000000)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	extracted := ExtractEncodedPath(dir)
	if extracted != EncodePath(path) {
		t.Fatalf("got %q, want %q", extracted, EncodePath(path))
	}
}

func TestGenerateStreamDirNameIsUniquePerCall(t *testing.T) {
	path := "/channels/tx-42"
	d1, err := GenerateStreamDirName(path, 1700000000000)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	d2, err := GenerateStreamDirName(path, 1700000000000)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if d1 == d2 {
		t.Fatalf("expected distinct random suffixes, got %q twice", d1)
	}
}
