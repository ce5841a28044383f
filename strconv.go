package tario

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// parser decodes the numeric and string fields of a header block. A
// failed parse records its error in err; later parses on the same parser
// still run, so a caller can chain several parses and check err once at
// the end, matching the style of copied_go_std.go's parser.
type parser struct {
	err error
}

// parseString parses b as a NUL-terminated C-style string. If no NUL is
// found, the entire slice is taken as the string.
func (*parser) parseString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// parseNumeric decodes b as either octal or base-256, depending on
// whether the high bit of the first byte is set. May return negative
// values. Sets p.err on malformed input or overflow.
func (p *parser) parseNumeric(b []byte) int64 {
	if len(b) > 0 && b[0]&0x80 != 0 {
		// Base-256: remaining bits are big-endian two's complement; the
		// second-high bit of the first byte is the sign, applied via
		// inversion per the identity -a-1 == ^a.
		var inv byte
		if b[0]&0x40 != 0 {
			inv = 0xff
		}

		var x uint64
		for i, c := range b {
			c ^= inv
			if i == 0 {
				c &= 0x7f
			}
			if (x >> 56) > 0 {
				p.err = ErrHeader
				return 0
			}
			x = x<<8 | uint64(c)
		}
		if (x >> 63) > 0 {
			p.err = ErrHeader
			return 0
		}
		if inv == 0xff {
			return ^int64(x)
		}
		return int64(x)
	}
	return p.parseOctal(b)
}

func (p *parser) parseOctal(b []byte) int64 {
	// Leading/trailing NUL and space padding both occur in practice.
	b = bytes.Trim(b, " \x00")
	if len(b) == 0 {
		return 0
	}
	x, perr := strconv.ParseUint(p.parseString(b), 8, 64)
	if perr != nil {
		p.err = ErrHeader
	}
	return int64(x)
}

// formatter encodes the numeric and string fields of a header block,
// recording a failure in err the same way parser does.
type formatter struct {
	err error
}

// formatString copies up to len(b) bytes of s into b, NUL-terminating if
// there is room. If the final byte would be '/', it is replaced with NUL
// -- this works around readers that treat a trailing slash on a regular
// file as marking a directory.
func (f *formatter) formatString(b []byte, s string) {
	if len(s) > len(b) {
		f.err = ErrFieldTooLong
	}
	ascii := toASCII(s)
	copy(b, ascii) // copy truncates to len(b) automatically
	n := min(len(ascii), len(b))
	if n < len(b) {
		b[n] = 0
	}
	// Some buggy readers treat regular files with a trailing slash in
	// Name as a directory, even though the type flag says otherwise.
	if n == len(b) && n > 0 && b[n-1] == '/' {
		b[n-1] = 0
	}
}

// fitsInOctal reports whether x can be encoded as an octal string (with a
// trailing NUL) in a field of the given width n: it fits iff x >= 0 and
// x < 8^(n-1), leaving room for the terminator.
func fitsInOctal(width int, x int64) bool {
	octBits := uint(3 * (width - 1))
	return x >= 0 && (octBits >= 64 || x < 1<<octBits)
}

// formatOctal encodes x as a left-zero-padded octal string, leaving room
// for formatString to NUL-terminate it within b.
func (f *formatter) formatOctal(b []byte, x int64) {
	if !fitsInOctal(len(b), x) {
		x = 0 // Last resort, replace with zero.
		f.err = ErrFieldTooLong
	}
	s := strconv.FormatInt(x, 8)
	if n := len(b) - len(s) - 1; n > 0 {
		s = strings.Repeat("0", n) + s
	}
	f.formatString(b, s)
}

// fitsInBase256 reports whether x fits in a base-256 (binary) encoded
// field of the given width, per spec §4.B.
func fitsInBase256(width int, x int64) bool {
	if width >= 9 {
		return true
	}
	binBits := uint(width-1) * 8
	return x >= -1<<binBits && x < 1<<binBits
}

// formatNumeric encodes x as octal if it fits, else as base-256.
func (f *formatter) formatNumeric(b []byte, x int64) {
	if fitsInOctal(len(b), x) {
		f.formatOctal(b, x)
		return
	}
	if fitsInBase256(len(b), x) {
		for i := len(b) - 1; i >= 0; i-- {
			b[i] = byte(x)
			x >>= 8
		}
		b[0] |= 0x80 // Highest bit indicates binary format
		return
	}
	f.formatOctal(b, 0)
	f.err = ErrFieldTooLong
}

// toASCII drops non-ASCII bytes and embedded NULs, a best-effort coercion
// used when writing a PAX entry's USTAR-shaped fallback fields.
func toASCII(s string) string {
	if isASCII(s) {
		return strings.ReplaceAll(s, "\x00", "")
	}
	var buf strings.Builder
	for _, r := range s {
		if r < 0x80 && r != 0 {
			buf.WriteRune(r)
		}
	}
	return buf.String()
}

// formatPAXRecord formats a single PAX extended header record as
// "%d %s=%s\n", where %d is the record's own total byte length.
func formatPAXRecord(k, v string) string {
	const padding = 3 // Extra padding for ' ', '=', and '\n'
	size := len(k) + len(v) + padding
	size += len(strconv.Itoa(size))
	record := fmt.Sprintf("%d %s=%s\n", size, k, v)

	// Final adjustment if adding size field increased the record size.
	if len(record) != size {
		size = len(record)
		record = fmt.Sprintf("%d %s=%s\n", size, k, v)
	}
	return record
}

// parsePAXRecord parses a single PAX record from the head of s, returning
// the key, value, and the remainder of s following the record.
func parsePAXRecord(s string) (k, v, rest string, err error) {
	// The size field ends at the first space.
	sp := strings.IndexByte(s, ' ')
	if sp == -1 {
		return "", "", s, ErrHeader
	}
	size, perr := strconv.Atoi(s[:sp])
	if perr != nil || size < 5 || len(s) < size {
		return "", "", s, ErrHeader
	}
	rec, rest := s[:size], s[size:]

	rec = rec[sp+1:]
	if !strings.HasSuffix(rec, "\n") {
		return "", "", s, ErrHeader
	}
	rec = rec[:len(rec)-1]

	eq := strings.IndexByte(rec, '=')
	if eq == -1 {
		return "", "", s, ErrHeader
	}
	k, v = rec[:eq], rec[eq+1:]

	if k == "" || strings.Contains(k, "\x00") || strings.Contains(k, "=") {
		return "", "", s, ErrHeader
	}
	if basicKeys[k] && strings.Contains(v, "\x00") {
		return "", "", s, ErrHeader
	}
	return k, v, rest, nil
}

// sortedPAXKeys returns keys sorted lexicographically, so emitted PAX
// extended headers are deterministic byte-for-byte.
func sortedPAXKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatPAXTime renders ts as "%d.%09d", stripping trailing zeros in the
// fractional part and omitting the '.' entirely for a whole-second value.
// Negative instants share a sign between the integer and fractional part
// (carrying a second from secs into nsecs), so that e.g. -1.5s round
// trips rather than rendering as "-1.-500000000".
func formatPAXTime(ts time.Time) string {
	secs, nsecs := ts.Unix(), ts.Nanosecond()
	if nsecs == 0 {
		return strconv.FormatInt(secs, 10)
	}
	sign := ""
	if secs < 0 {
		sign = "-"          // Remember the sign
		secs = -(secs + 1)  // Carry one second out of secs...
		nsecs = 1e9 - nsecs // ...and into nsecs
	}
	s := fmt.Sprintf("%s%d.%09d", sign, secs, nsecs)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// parsePAXTime parses a "%d(\.%d+)?" timestamp, per spec §4.B.
func parsePAXTime(s string) (time.Time, error) {
	const maxNanoSecondDigits = 9

	// Split string into seconds before and after decimal point, if any.
	secs, nsecStr, hasNano := strings.Cut(s, ".")
	nsecStr = strings.TrimRight(nsecStr, "0")
	if len(nsecStr) > maxNanoSecondDigits {
		nsecStr = nsecStr[:maxNanoSecondDigits] // Improve precision; truncate here
	} else {
		nsecStr += strings.Repeat("0", maxNanoSecondDigits-len(nsecStr))
	}
	secVal, err1 := strconv.ParseInt(secs, 10, 64)
	nsecVal, err2 := strconv.ParseInt(nsecStr, 10, 64)
	if err1 != nil || err2 != nil || (hasNano && len(nsecStr) == 0) {
		return time.Time{}, ErrHeader
	}

	if len(secs) > 0 && secs[0] == '-' {
		// Negative numbers have a negative fraction part, per the identity
		// -1.5 == -2 + 0.5.
		secVal--
		nsecVal = 1e9 - nsecVal
	}
	return time.Unix(secVal, nsecVal), nil
}
