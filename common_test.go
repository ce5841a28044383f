package tario

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestSplitUSTARNameBoundary(t *testing.T) {
	exactly100 := make([]byte, 100)
	for i := range exactly100 {
		exactly100[i] = 'a'
	}
	assert.Assert(t, fitsInUSTARName(string(exactly100)))

	over100 := "dir/" + string(exactly100)
	prefix, suffix, ok := splitUSTARName(over100)
	assert.Assert(t, ok)
	assert.Equal(t, suffix, string(exactly100))
	assert.Equal(t, prefix, "dir")

	noSlash := make([]byte, 300)
	for i := range noSlash {
		noSlash[i] = 'a'
	}
	_, _, ok = splitUSTARName(string(noSlash))
	assert.Assert(t, !ok)
}

func TestAllowedFormatsPlainHeaderPrefersUSTAR(t *testing.T) {
	h := &Header{Name: "file.txt", Typeflag: TypeReg, Size: 4, ModTime: time.Unix(100, 0)}
	format, paxHdrs, err := h.allowedFormats()
	assert.NilError(t, err)
	assert.Assert(t, format.has(FormatUSTAR))
	assert.Equal(t, len(paxHdrs), 0)
}

func TestAllowedFormatsLongNameForcesNonUSTARButSplitStillAllowsIt(t *testing.T) {
	long := make([]byte, 120)
	for i := range long {
		long[i] = 'x'
	}
	h := &Header{Name: "dir/" + string(long), Typeflag: TypeReg, Size: 1}
	format, _, err := h.allowedFormats()
	assert.NilError(t, err)
	assert.Assert(t, format.has(FormatUSTAR), "a splittable long name should still permit USTAR")
}

func TestAllowedFormatsUnsplittableNameForcesPAXOrGNU(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	h := &Header{Name: string(long), Typeflag: TypeReg, Size: 1}
	format, paxHdrs, err := h.allowedFormats()
	assert.NilError(t, err)
	assert.Assert(t, !format.has(FormatUSTAR))
	assert.Assert(t, format.has(FormatPAX) || format.has(FormatGNU))
	if format.has(FormatPAX) {
		assert.Equal(t, paxHdrs[paxPath], string(long))
	}
}

func TestAllowedFormatsSubSecondModTimeForcesPAX(t *testing.T) {
	h := &Header{
		Name:     "file.txt",
		Typeflag: TypeReg,
		Size:     1,
		ModTime:  time.Unix(100, 500),
	}
	format, paxHdrs, err := h.allowedFormats()
	assert.NilError(t, err)
	assert.Assert(t, !format.has(FormatUSTAR), "sub-second mtime must force PAX")
	assert.Assert(t, format.has(FormatPAX))
	assert.Assert(t, paxHdrs[paxMtime] != "")
}

func TestAllowedFormatsXattrsForcePAX(t *testing.T) {
	h := &Header{
		Name:     "file.txt",
		Typeflag: TypeReg,
		Size:     1,
		Xattrs:   map[string]string{"user.foo": "bar"},
	}
	format, paxHdrs, err := h.allowedFormats()
	assert.NilError(t, err)
	assert.Equal(t, format, FormatPAX)
	assert.Equal(t, paxHdrs["SCHILY.xattr.user.foo"], "bar")
}

func TestAllowedFormatsTrailingSlashOnRegularFileRejected(t *testing.T) {
	h := &Header{Name: "file/", Typeflag: TypeReg, Size: 1}
	_, _, err := h.allowedFormats()
	assert.ErrorContains(t, err, "trailing slash")
}

func TestValidPAXRecord(t *testing.T) {
	assert.Assert(t, validPAXRecord("path", "anything"))
	assert.Assert(t, !validPAXRecord("", "anything"))
	assert.Assert(t, !validPAXRecord("a=b", "anything"))
	assert.Assert(t, !validPAXRecord("path", "has\x00nul"))
}

func TestHeaderFileInfoModeBits(t *testing.T) {
	h := &Header{Name: "dir/", Typeflag: TypeDir, Mode: 0755}
	fi := h.FileInfo()
	assert.Assert(t, fi.IsDir())
	assert.Equal(t, fi.Mode().Perm(), fi.Mode().Perm()&0777)
}

func TestFormatStringer(t *testing.T) {
	assert.Equal(t, (FormatUSTAR | FormatPAX).String(), "(USTAR | PAX)")
	assert.Equal(t, FormatGNU.String(), "GNU")
	assert.Equal(t, FormatUnknown.String(), "<unknown>")
}
