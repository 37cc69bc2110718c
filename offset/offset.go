// Package offset implements the OffsetCodec: a fixed-width, lexicographically
// ordered position identifier for stream reads. Storage and indexing rely on
// string comparison of the encoded form, never on numeric comparison of the
// decoded pair.
package offset

import (
	"fmt"
	"strconv"
	"strings"
)

// Tail is the sentinel offset meaning "from the tail" on a read.
const Tail = "-1"

// Format renders (readSeq, byteOffset) as the 33-character string
// "%016d_%016d". The read_seq half rolls when a stream is truncated or
// rotated; within one generation the byte_offset half is strictly
// increasing.
func Format(readSeq, byteOffset uint64) string {
	return fmt.Sprintf("%016d_%016d", readSeq, byteOffset)
}

// Parse decodes a formatted offset. ok is false for anything that isn't
// exactly two 16-digit runs separated by one underscore.
func Parse(s string) (readSeq, byteOffset uint64, ok bool) {
	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 || len(parts[0]) != 16 || len(parts[1]) != 16 {
		return 0, 0, false
	}
	rs, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	bo, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return rs, bo, true
}

// Compare performs the byte-wise string comparison the system relies on for
// all storage and indexing: negative if a < b, zero if equal, positive if
// a > b. Never substitute a numeric comparison of the parsed halves here.
func Compare(a, b string) int {
	return strings.Compare(a, b)
}

// Next returns the offset (readSeq, byteOffset+delta), staying within the
// current generation.
func Next(current string, delta uint64) (string, bool) {
	rs, bo, ok := Parse(current)
	if !ok {
		return "", false
	}
	return Format(rs, bo+delta), true
}
