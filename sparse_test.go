package tario

import (
	"bytes"
	"io"
	"testing"

	"gotest.tools/v3/assert"
)

func TestValidateSparseEntries(t *testing.T) {
	cases := []struct {
		name string
		sp   []SparseEntry
		size int64
		want bool
	}{
		{"empty", nil, 10, true},
		{"single in range", []SparseEntry{{0, 5}}, 10, true},
		{"negative offset", []SparseEntry{{-1, 5}}, 10, false},
		{"negative length", []SparseEntry{{0, -5}}, 10, false},
		{"past size", []SparseEntry{{5, 10}}, 10, false},
		{"overlap", []SparseEntry{{0, 5}, {3, 5}}, 10, false},
		{"out of order", []SparseEntry{{5, 2}, {0, 2}}, 10, false},
		{"adjacent ok", []SparseEntry{{0, 5}, {5, 5}}, 10, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := validateSparseEntries(c.sp, c.size)
			assert.Equal(t, got, c.want)
		})
	}
}

func TestInvertSparseEntriesIsItsOwnInverse(t *testing.T) {
	const size = 25
	holes := []SparseEntry{{0, 2}, {7, 11}, {21, 4}}

	datas := invertSparseEntries(append([]SparseEntry(nil), holes...), size)
	assert.Assert(t, validateSparseEntries(datas, size))

	back := invertSparseEntries(append([]SparseEntry(nil), datas...), size)
	assert.DeepEqual(t, back, holes)
}

func TestInvertSparseEntriesEmptyIsWholeFile(t *testing.T) {
	got := invertSparseEntries(nil, 10)
	assert.DeepEqual(t, got, []SparseEntry{{0, 10}})
}

// TestSparseFileReaderZeroFillsHoles exercises the documented example: a
// sparse entry with holes at [(0,2),(7,11),(21,4)], physical data
// "abcdefgh", logical size 25, should read back fully zero-filled in the
// holes.
func TestSparseFileReaderZeroFillsHoles(t *testing.T) {
	holes := sparseHoles{{0, 2}, {7, 11}, {21, 4}}
	fr := &regFileReader{r: bytes.NewReader([]byte("abcdefgh")), nb: 8}
	sr := &sparseFileReader{fr: fr, sp: holes, tot: 25}

	got, err := io.ReadAll(sr)
	assert.NilError(t, err)

	want := "\x00\x00" + "abcde" + "\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00" + "fgh" + "\x00\x00\x00\x00"
	assert.Equal(t, string(got), want)
	assert.Equal(t, len(want), 25)
}

func TestSparseFileReaderUnreferencedDataErrors(t *testing.T) {
	holes := sparseHoles{{0, 5}}
	fr := &regFileReader{r: bytes.NewReader([]byte("extra")), nb: 5}
	sr := &sparseFileReader{fr: fr, sp: holes, tot: 5} // logical size covered entirely by the hole

	_, err := io.ReadAll(sr)
	assert.ErrorIs(t, err, errUnrefData)
}

func TestSparseFileReaderMissingDataErrors(t *testing.T) {
	holes := sparseHoles{} // no holes declared, but physical stream is short
	fr := &regFileReader{r: bytes.NewReader([]byte("ab")), nb: 2}
	sr := &sparseFileReader{fr: fr, sp: holes, tot: 5}

	_, err := io.ReadAll(sr)
	assert.ErrorIs(t, err, errMissData)
}

func TestSparseFileWriterForwardsDataAndDiscardsHoles(t *testing.T) {
	datas := sparseDatas{{0, 3}, {10, 2}} // data at [0,3) and [10,12), holes elsewhere, total 15
	var out bytes.Buffer
	sw := &sparseFileWriter{w: &out, sp: datas, tot: 15}

	input := make([]byte, 15)
	copy(input[0:3], "abc")
	copy(input[10:12], "xy")

	n, err := sw.Write(input)
	assert.NilError(t, err)
	assert.Equal(t, n, 15)
	assert.Equal(t, out.String(), "abcxy")
}

func TestSparseFileWriterRejectsNonZeroInHole(t *testing.T) {
	datas := sparseDatas{{0, 3}}
	var out bytes.Buffer
	sw := &sparseFileWriter{w: &out, sp: datas, tot: 10}

	input := make([]byte, 10)
	copy(input[0:3], "abc")
	input[5] = 'x' // non-NUL byte inside what should be a hole

	_, err := sw.Write(input)
	assert.ErrorIs(t, err, errWriteHole)
}

func TestSparseFileWriterTooLong(t *testing.T) {
	var out bytes.Buffer
	sw := &sparseFileWriter{w: &out, sp: sparseDatas{{0, 3}}, tot: 3}
	_, err := sw.Write([]byte("abcdef"))
	assert.ErrorIs(t, err, ErrWriteTooLong)
}

func TestAlignSparseEntries(t *testing.T) {
	sp := []SparseEntry{{100, 1000}}
	got := alignSparseEntries(sp, 2000)
	assert.Assert(t, len(got) == 1)
	assert.Equal(t, got[0].Offset%blockSize, int64(0))
	assert.Equal(t, got[0].endOffset()%blockSize, int64(0))
}
