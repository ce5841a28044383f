package tario

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestParseFormatNumericRoundTrip(t *testing.T) {
	for _, x := range []int64{0, 1, 7, 0777, 1 << 20, 1<<33 + 1, -1, -(1 << 40)} {
		var f formatter
		b := make([]byte, 12)
		f.formatNumeric(b, x)
		assert.NilError(t, f.err)

		var p parser
		got := p.parseNumeric(b)
		assert.NilError(t, p.err)
		assert.Equal(t, got, x)
	}
}

func TestFormatNumericOverflowUsesBase256(t *testing.T) {
	var f formatter
	b := make([]byte, 8)
	f.formatNumeric(b, 1<<30) // exceeds what an 8-byte octal field can hold

	assert.NilError(t, f.err)
	assert.Assert(t, b[0]&0x80 != 0, "expected base-256 encoding for a value too large for octal")
}

func TestParseStringNULTerminated(t *testing.T) {
	var p parser
	b := make([]byte, 16)
	copy(b, "hello")
	assert.Equal(t, p.parseString(b), "hello")
}

func TestFormatStringTrailingSlashBecomesNUL(t *testing.T) {
	var f formatter
	b := make([]byte, 8)
	f.formatString(b, "foo/bar/")
	assert.NilError(t, f.err)
	assert.Equal(t, b[len(b)-1], byte(0))
}

func TestFormatStringTooLongSetsErr(t *testing.T) {
	var f formatter
	b := make([]byte, 4)
	f.formatString(b, "toolong")
	assert.ErrorIs(t, f.err, ErrFieldTooLong)
}

func TestPAXRecordRoundTrip(t *testing.T) {
	rec := formatPAXRecord("path", "hello/world")
	k, v, rest, err := parsePAXRecord(rec)
	assert.NilError(t, err)
	assert.Equal(t, k, "path")
	assert.Equal(t, v, "hello/world")
	assert.Equal(t, rest, "")
}

func TestPAXRecordMultipleConcatenated(t *testing.T) {
	s := formatPAXRecord("path", "a") + formatPAXRecord("linkpath", "b")
	k1, v1, rest, err := parsePAXRecord(s)
	assert.NilError(t, err)
	assert.Equal(t, k1, "path")
	assert.Equal(t, v1, "a")

	k2, v2, rest, err := parsePAXRecord(rest)
	assert.NilError(t, err)
	assert.Equal(t, k2, "linkpath")
	assert.Equal(t, v2, "b")
	assert.Equal(t, rest, "")
}

func TestPAXRecordRejectsEmbeddedNULInBasicKey(t *testing.T) {
	rec := formatPAXRecord("path", "a\x00b")
	_, _, _, err := parsePAXRecord(rec)
	assert.ErrorIs(t, err, ErrHeader)
}

func TestPAXTimeRoundTrip(t *testing.T) {
	cases := []time.Time{
		time.Unix(0, 0),
		time.Unix(1000000000, 0),
		time.Unix(1000000000, 500000000),
		time.Unix(-1, 500000000), // Exercises the negative sign-carry branch.
		time.Unix(-5, 0),
	}
	for _, want := range cases {
		s := formatPAXTime(want)
		got, err := parsePAXTime(s)
		assert.NilError(t, err)
		assert.Assert(t, got.Equal(want), "round trip of %v via %q produced %v", want, s, got)
	}
}

func TestPAXTimeWholeSecondOmitsDot(t *testing.T) {
	s := formatPAXTime(time.Unix(1234, 0))
	assert.Equal(t, s, "1234")
}

func TestSortedPAXKeysDeterministic(t *testing.T) {
	m := map[string]string{"zzz": "1", "aaa": "2", "mmm": "3"}
	got := sortedPAXKeys(m)
	assert.DeepEqual(t, got, []string{"aaa", "mmm", "zzz"})
}

func TestFitsInOctalAndBase256(t *testing.T) {
	assert.Assert(t, fitsInOctal(12, 0))
	assert.Assert(t, !fitsInOctal(8, -1))
	assert.Assert(t, fitsInBase256(8, -1))
	assert.Assert(t, !fitsInBase256(4, 1<<40))
}
