package tario

import (
	"errors"
	"io"

	"github.com/ngicks/go-fsys-helper/stream"
)

// errSparseInvalid reports that a sparse map failed validation: negative
// offsets/lengths, overflow, extension past the logical size, overlap, or
// mis-ordering. See spec §4.C.
var errSparseInvalid = errors.New("tario: invalid sparse map")

// validateSparseEntries reports whether sp is usable as a sparse map for
// a file size bytes long. Entries must carry non-negative offsets and
// lengths, stay within size, and appear as a non-decreasing, non-
// overlapping run.
//
// The bounds check is phrased as "cur.Offset > size-cur.Length" rather
// than computing cur.endOffset() and comparing against size, so that a
// Length large enough to overflow that addition is caught by the same
// comparison instead of needing a separate overflow guard.
func validateSparseEntries(sp []SparseEntry, size int64) bool {
	if size < 0 {
		return false
	}
	prevEnd := int64(0)
	for _, cur := range sp {
		switch {
		case cur.Offset < 0, cur.Length < 0:
			return false
		case cur.Offset > size-cur.Length:
			return false
		case cur.Offset < prevEnd:
			return false
		}
		prevEnd = cur.endOffset()
	}
	return true
}

// roundToBlock moves n to the enclosing blockSize boundary: the next one
// up when up is true, the previous one down otherwise. n already on a
// boundary is returned unchanged.
func roundToBlock(n int64, up bool) int64 {
	rem := n % blockSize
	if rem == 0 {
		return n
	}
	if up {
		return n + (blockSize - rem)
	}
	return n - rem
}

// alignSparseEntries snaps each fragment to block boundaries -- its start
// up, its end down -- and drops whatever collapses to zero or negative
// length in the process. An end equal to size is kept as is, since size
// itself need not land on a block boundary.
func alignSparseEntries(sp []SparseEntry, size int64) []SparseEntry {
	out := make([]SparseEntry, 0, len(sp))
	for _, s := range sp {
		start := roundToBlock(s.Offset, true)
		stop := s.endOffset()
		if stop != size {
			stop = roundToBlock(stop, false)
		}
		if start < stop {
			out = append(out, SparseEntry{Offset: start, Length: stop - start})
		}
	}
	return out
}

// invertSparseEntries converts between sparseDatas and sparseHoles (the
// operation is its own inverse): given fragments describing one view, it
// returns the complementary fragments, coalescing adjacent gaps and
// always appending a (possibly empty) final fragment whose end equals
// size.
func invertSparseEntries(src []SparseEntry, size int64) []SparseEntry {
	dst := src[:0]
	var pre SparseEntry
	for _, cur := range src {
		if cur.Length == 0 {
			continue // Skip empty fragments
		}
		pre.Length = cur.Offset - pre.Offset
		if pre.Length > 0 {
			dst = append(dst, pre) // Only add non-empty fragments
		}
		pre.Offset = cur.endOffset()
	}
	pre.Length = size - pre.Offset // Possibly the only empty fragment
	return append(dst, pre)
}

// zeroFiller is used by sparseFileReader below to fill a buffer with NUL
// bytes for a hole region, reusing
// github.com/ngicks/go-fsys-helper/stream's ByteRepeater rather than
// hand-rolling a fill loop -- the same component the teacher's
// reader.go/readerat.go use to materialize a hole's zero-fill section
// (stream.NewByteRepeater(0) wrapped in an io.SectionReader there; here
// used directly since the overlay already knows the count).
var zeroFiller = stream.NewByteRepeater(0)

func zeroFillBuffer(b []byte) int {
	n, _ := zeroFiller.Read(b)
	return n
}

// readFull reads until b is full or the underlying reader errors,
// translating a premature io.EOF into io.ErrUnexpectedEOF -- the same
// distinction copied_go_std.go's mustReadFull/tryReadFull draw between a
// clean EOF and a short read.
func readFull(r io.Reader, b []byte) (n int, err error) {
	for n < len(b) && err == nil {
		var nn int
		nn, err = r.Read(b[n:])
		n += nn
	}
	if n == len(b) && err == io.EOF {
		err = nil
	} else if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// fileReader is the capability set both tagged payload variants
// implement, per spec design note §9: a sum type of { Regular, Sparse }
// behind { read, logicalRemaining, physicalRemaining } rather than
// dynamic dispatch over more than two cases.
type fileReader interface {
	io.Reader
	physicalRemaining() int64
	logicalRemaining() int64
}

// regFileReader is the Regular payload variant: a straight length-bounded
// view over the archive's byte stream, gating reads to nb remaining
// bytes.
type regFileReader struct {
	r  io.Reader
	nb int64 // unread bytes for this entry
}

func (fr *regFileReader) Read(b []byte) (n int, err error) {
	if int64(len(b)) > fr.nb {
		b = b[:fr.nb]
	}
	if len(b) > 0 {
		n, err = fr.r.Read(b)
		fr.nb -= int64(n)
	}
	switch {
	case err == io.EOF && fr.nb > 0:
		err = io.ErrUnexpectedEOF
	case err == nil && fr.nb == 0:
		err = io.EOF
	}
	return n, err
}

func (fr *regFileReader) physicalRemaining() int64 { return fr.nb }
func (fr *regFileReader) logicalRemaining() int64  { return fr.nb }

// sparseFileReader is the Sparse payload variant: it presents tot logical
// bytes over fr, which holds only the physical (data-fragment) bytes,
// zero-filling the holes described by sp. sp must be the hole-fragments
// view, sorted ascending, normalized so adjacent holes are coalesced.
type sparseFileReader struct {
	fr  fileReader
	sp  sparseHoles
	pos int64
	tot int64
}

func (sr *sparseFileReader) logicalRemaining() int64  { return sr.tot - sr.pos }
func (sr *sparseFileReader) physicalRemaining() int64 { return sr.fr.physicalRemaining() }

func (sr *sparseFileReader) Read(b []byte) (n int, err error) {
	finished := sr.logicalRemaining() == 0
	if finished && sr.physicalRemaining() > 0 {
		return 0, errUnrefData
	}
	if finished {
		return 0, io.EOF
	}

	if lenLogical := sr.logicalRemaining(); int64(len(b)) > lenLogical {
		b = b[:lenLogical]
	}

	var readHole bool
	switch {
	case len(sr.sp) == 0:
		// No more holes; everything remaining is data.
	case sr.sp[0].Offset <= sr.pos:
		// Positioned inside the next hole fragment.
		readHole = true
		if bytesLeft := sr.sp[0].endOffset() - sr.pos; int64(len(b)) > bytesLeft {
			b = b[:bytesLeft]
		}
	default:
		// Positioned in data, before the next hole begins.
		if bytesUntilHole := sr.sp[0].Offset - sr.pos; int64(len(b)) > bytesUntilHole {
			b = b[:bytesUntilHole]
		}
	}

	if readHole {
		n = zeroFillBuffer(b)
	} else {
		if sr.physicalRemaining() == 0 {
			return 0, errMissData
		}
		n, err = readFull(sr.fr, b)
		if err == io.ErrUnexpectedEOF && sr.physicalRemaining() == 0 {
			err = errMissData // The data fragments ended before the logical size
		}
	}
	sr.pos += int64(n)
	if len(sr.sp) > 0 && sr.pos >= sr.sp[0].endOffset() {
		sr.sp = sr.sp[1:]
	}
	return n, err
}

// sparseFileWriter is the write-side analogue of sparseFileReader: it
// accepts up to tot logical bytes, forwarding bytes that fall in a data
// fragment to w and discarding (while still counting) bytes that fall in
// a hole. sp must be the data-fragments view, sorted ascending.
//
// Per spec §9 / Non-goals, Writer.WriteHeader never installs this type:
// this package does not support producing a sparse on-disk archive end
// to end. It exists so a caller that already parsed a source archive's
// sparse map can re-drive it through a plain io.Writer, matching the
// teacher's comment that the analogous machinery in its own Writer path
// is unreached from WriteHeader.
type sparseFileWriter struct {
	w   io.Writer
	sp  sparseDatas
	pos int64
	tot int64
}

func (sw *sparseFileWriter) logicalRemaining() int64 { return sw.tot - sw.pos }

func (sw *sparseFileWriter) Write(b []byte) (n int, err error) {
	overwrite := int64(len(b)) > sw.logicalRemaining()
	if overwrite {
		b = b[:sw.logicalRemaining()]
	}

	b0 := b
	for len(b) > 0 && err == nil {
		for len(sw.sp) > 0 && sw.sp[0].endOffset() <= sw.pos {
			sw.sp = sw.sp[1:]
		}

		var inData bool
		var chunkLen int64
		switch {
		case len(sw.sp) == 0:
			chunkLen = int64(len(b))
		case sw.sp[0].Offset <= sw.pos:
			inData = true
			chunkLen = sw.sp[0].endOffset() - sw.pos
		default:
			chunkLen = sw.sp[0].Offset - sw.pos
		}
		if chunkLen > int64(len(b)) {
			chunkLen = int64(len(b))
		}
		chunk := b[:chunkLen]
		b = b[chunkLen:]

		if inData {
			var nn int
			nn, err = sw.w.Write(chunk)
			sw.pos += int64(nn)
		} else {
			for _, c := range chunk {
				if c != 0 {
					err = errWriteHole
					break
				}
			}
			sw.pos += int64(len(chunk))
		}
	}

	n = len(b0) - len(b)
	switch {
	case err != nil:
		return n, err
	case overwrite:
		return n, ErrWriteTooLong
	default:
		return n, nil
	}
}
