package tario

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Writer provides sequential writing of a tar archive. WriteHeader
// begins a new file with the provided Header, and then Write supplies
// that file's data, up to Header.Size bytes in total.
//
// Writer picks the narrowest of USTAR, PAX, and GNU able to represent
// each Header, in that preference order, unless Header.Format requests
// one specifically. It never produces STAR output (read-only) and never
// writes a sparse-format entry. See package doc for the full list of
// Non-goals.
type Writer struct {
	w    io.Writer
	pad  int64 // Amount of zero padding remaining after the current entry's body
	curr *regFileWriter
	err  error
}

// NewWriter creates a new Writer writing to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, curr: &regFileWriter{w: w, nb: 0}}
}

// regFileWriter is the write-side counterpart of regFileReader: a
// length-bounded view over the archive's underlying writer, gating writes
// to nb remaining bytes.
type regFileWriter struct {
	w  io.Writer
	nb int64 // unwritten bytes for this entry
}

func (fw *regFileWriter) Write(b []byte) (n int, err error) {
	overwrite := int64(len(b)) > fw.nb
	if overwrite {
		b = b[:fw.nb]
	}
	if len(b) > 0 {
		n, err = fw.w.Write(b)
		fw.nb -= int64(n)
	}
	switch {
	case err != nil:
		return n, err
	case overwrite:
		return n, ErrWriteTooLong
	default:
		return n, nil
	}
}

func (fw *regFileWriter) logicalRemaining() int64  { return fw.nb }
func (fw *regFileWriter) physicalRemaining() int64 { return fw.nb }

// WriteHeader writes hdr and prepares to accept the file's contents.
// It returns an error, and writes nothing, if the previous entry has
// fewer than its Header.Size bytes written.
func (tw *Writer) WriteHeader(hdr *Header) error {
	if tw.err != nil {
		return tw.err
	}
	if err := tw.flushCurrent(); err != nil {
		return err
	}

	h := *hdr // Shallow copy; tw never mutates the caller's Header
	if h.Typeflag == TypeRegA {
		if strings.HasSuffix(h.Name, "/") {
			h.Typeflag = TypeDir
		} else {
			h.Typeflag = TypeReg
		}
	}
	if h.Format == FormatUnknown {
		h.AccessTime = time.Time{}
		h.ChangeTime = time.Time{}
	}

	format, paxHdrs, err := h.allowedFormats()
	if err != nil {
		tw.err = err
		return err
	}

	switch {
	case format.has(FormatUSTAR):
		err = tw.writeUSTARHeader(&h)
	case format.has(FormatPAX):
		err = tw.writePAXHeader(&h, paxHdrs)
	case format.has(FormatGNU):
		err = tw.writeGNUHeader(&h)
	default:
		err = ErrHeader // allowedFormats guarantees format != FormatUnknown on nil err
	}
	if err != nil {
		tw.err = err
		return err
	}

	nb := h.Size
	if isHeaderOnlyType(h.Typeflag) {
		nb = 0
	}
	tw.curr = &regFileWriter{w: tw.w, nb: nb}
	tw.pad = blockPadding(nb)
	return nil
}

// populateCommon fills in the fields shared by every format: everything
// in the V7 header layout. If the Name does not fit the bare 100-byte
// field but does fit the USTAR prefix/suffix split, the split pieces are
// returned for the caller to place in the format-specific Prefix field
// (USTAR); GNU instead relies on a preceding LongName meta-entry and
// ignores the returned prefix.
func populateCommon(blk *block, h *Header) (prefix string, err error) {
	var f formatter
	v7 := blk.V7()

	name := h.Name
	if len(name) > nameSize || !isASCII(name) {
		if p, s, ok := splitUSTARName(name); ok {
			prefix, name = p, s
		}
	}
	f.formatString(v7.Name(), name)
	f.formatString(v7.LinkName(), h.Linkname)
	f.formatNumeric(v7.Mode(), h.Mode)
	f.formatNumeric(v7.UID(), int64(h.Uid))
	f.formatNumeric(v7.GID(), int64(h.Gid))
	f.formatNumeric(v7.Size(), h.Size)
	f.formatNumeric(v7.ModTime(), h.ModTime.Unix())
	v7.TypeFlag()[0] = h.Typeflag
	return prefix, f.err
}

func (tw *Writer) writeUSTARHeader(h *Header) error {
	var blk block
	prefix, err := populateCommon(&blk, h)
	if err != nil {
		return err
	}
	var f formatter
	ustar := blk.USTAR()
	f.formatString(ustar.UserName(), h.Uname)
	f.formatString(ustar.GroupName(), h.Gname)
	f.formatNumeric(ustar.DevMajor(), h.Devmajor)
	f.formatNumeric(ustar.DevMinor(), h.Devminor)
	f.formatString(ustar.Prefix(), prefix)
	if f.err != nil {
		return f.err
	}
	blk.SetFormat(FormatUSTAR)
	_, err = tw.w.Write(blk[:])
	return err
}

func (tw *Writer) writeGNUHeader(h *Header) error {
	if len(h.Name) > nameSize || !isASCII(h.Name) {
		if err := tw.writeGNUSpecialFile(TypeGNULongName, h.Name, h.ModTime); err != nil {
			return err
		}
	}
	if len(h.Linkname) > nameSize || !isASCII(h.Linkname) {
		if err := tw.writeGNUSpecialFile(TypeGNULongLink, h.Linkname, h.ModTime); err != nil {
			return err
		}
	}

	// The real entry's on-disk Name/Linkname only need to be best-effort
	// once a LongName/LongLink meta-entry above carries the authoritative
	// value.
	sanitized := *h
	sanitized.Name = sanitizeUSTARName(h.Name)
	sanitized.Linkname = truncateASCII(h.Linkname, nameSize)

	var blk block
	if _, err := populateCommon(&blk, &sanitized); err != nil {
		return err
	}
	var f formatter
	gnu := blk.GNU()
	f.formatString(gnu.UserName(), h.Uname)
	f.formatString(gnu.GroupName(), h.Gname)
	f.formatNumeric(gnu.DevMajor(), h.Devmajor)
	f.formatNumeric(gnu.DevMinor(), h.Devminor)
	if !h.AccessTime.IsZero() {
		f.formatNumeric(gnu.AccessTime(), h.AccessTime.Unix())
	}
	if !h.ChangeTime.IsZero() {
		f.formatNumeric(gnu.ChangeTime(), h.ChangeTime.Unix())
	}
	if f.err != nil {
		return f.err
	}
	blk.SetFormat(FormatGNU)
	_, err := tw.w.Write(blk[:])
	return err
}

// writeGNUSpecialFile emits a single GNU LongName/LongLink meta-entry:
// a minimal header with the given typeflag (TypeGNULongName or
// TypeGNULongLink), followed by name NUL-terminated and padded to a block
// boundary.
func (tw *Writer) writeGNUSpecialFile(typeflag byte, name string, modTime time.Time) error {
	data := append([]byte(name), 0)
	meta := Header{
		Typeflag: typeflag,
		Name:     "././@LongLink",
		Size:     int64(len(data)),
		ModTime:  modTime,
	}
	var blk block
	if _, err := populateCommon(&blk, &meta); err != nil {
		return err
	}
	blk.SetFormat(FormatGNU)
	if _, err := tw.w.Write(blk[:]); err != nil {
		return err
	}
	if _, err := tw.w.Write(data); err != nil {
		return err
	}
	if n := blockPadding(int64(len(data))); n > 0 {
		if _, err := tw.w.Write(zeroBlock[:n]); err != nil {
			return err
		}
	}
	return nil
}

// writePAXHeader emits a TypeXHeader extended-header entry carrying
// paxHdrs (sorted lexicographically so output is deterministic),
// immediately followed by the real entry encoded in USTAR shape (PAX
// reuses USTAR's wire layout).
func (tw *Writer) writePAXHeader(h *Header, paxHdrs map[string]string) error {
	if len(paxHdrs) > 0 {
		var body strings.Builder
		for _, k := range sortedPAXKeys(paxHdrs) {
			body.WriteString(formatPAXRecord(k, paxHdrs[k]))
		}
		meta := Header{
			Typeflag: TypeXHeader,
			Name:     truncateASCII("PaxHeaders.0/"+paxEntryName(h.Name), nameSize),
			Size:     int64(body.Len()),
			ModTime:  h.ModTime,
		}
		var blk block
		if _, err := populateCommon(&blk, &meta); err != nil {
			return err
		}
		blk.SetFormat(FormatUSTAR)
		if _, err := tw.w.Write(blk[:]); err != nil {
			return err
		}
		if _, err := tw.w.Write([]byte(body.String())); err != nil {
			return err
		}
		if n := blockPadding(int64(body.Len())); n > 0 {
			if _, err := tw.w.Write(zeroBlock[:n]); err != nil {
				return err
			}
		}
	}

	// The real entry's on-disk fields only need to be best-effort: the
	// authoritative values live in the extended header just written, so
	// overflowing strings are truncated here rather than rejected.
	sanitized := *h
	sanitized.Name = sanitizeUSTARName(h.Name)
	sanitized.Linkname = truncateASCII(h.Linkname, nameSize)
	sanitized.Uname = truncateASCII(h.Uname, 32)
	sanitized.Gname = truncateASCII(h.Gname, 32)
	return tw.writeUSTARHeader(&sanitized)
}

// sanitizeUSTARName returns a name guaranteed to fit the USTAR
// name/prefix fields, splitting at a '/' boundary when possible and
// otherwise truncating.
func sanitizeUSTARName(name string) string {
	if fitsInUSTARName(name) {
		return name
	}
	return truncateASCII(name, nameSize)
}

// truncateASCII drops non-ASCII bytes and embedded NULs, then truncates
// to at most n bytes.
func truncateASCII(s string, n int) string {
	s = toASCII(s)
	if len(s) > n {
		s = s[:n]
	}
	return s
}

// paxEntryName derives the base name used for a PAX extended header's
// own entry name, trimming any trailing slash so "PaxHeaders.0/name"
// reads naturally regardless of whether h.Name denotes a directory.
func paxEntryName(name string) string {
	name = strings.TrimSuffix(name, "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		name = "_"
	}
	return name
}

// Write writes to the current entry in the tar archive. Write returns
// ErrWriteTooLong if more bytes are written than Header.Size allowed.
func (tw *Writer) Write(b []byte) (int, error) {
	if tw.err != nil {
		return 0, tw.err
	}
	n, err := tw.curr.Write(b)
	if err != nil && err != ErrWriteTooLong {
		tw.err = err
	}
	return n, err
}

// flushCurrent writes the block-alignment padding after the current
// entry. It fails without writing anything if the current entry still
// has unwritten bytes.
func (tw *Writer) flushCurrent() error {
	if tw.curr == nil {
		return nil
	}
	if n := tw.curr.logicalRemaining(); n > 0 {
		return fmt.Errorf("tario: missed writing %d bytes", n)
	}
	if tw.pad > 0 {
		if _, err := tw.w.Write(zeroBlock[:tw.pad]); err != nil {
			tw.err = err
			return err
		}
	}
	tw.curr, tw.pad = nil, 0
	return nil
}

// Close closes the tar archive, flushing any pending padding and
// writing the two-zero-block footer. It returns an error, and writes
// nothing, if the current entry has fewer than its Header.Size bytes
// written. Further calls to Write or WriteHeader return
// ErrWriteAfterClose.
func (tw *Writer) Close() error {
	if tw.err == ErrWriteAfterClose {
		return nil
	}
	if tw.err != nil {
		return tw.err
	}
	if err := tw.flushCurrent(); err != nil {
		return err
	}
	if _, err := tw.w.Write(zeroBlock[:]); err != nil {
		tw.err = err
		return err
	}
	if _, err := tw.w.Write(zeroBlock[:]); err != nil {
		tw.err = err
		return err
	}
	tw.err = ErrWriteAfterClose
	return nil
}
