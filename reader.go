package tario

import (
	"bytes"
	"io"
	"io/fs"
	"math"
	"strconv"
	"strings"
	"time"
)

// Reader provides sequential access to the entries in a tar archive. An
// archive is a sequence of entries, each of which is a header followed by
// zero-length-rounded-up-to-512 bytes of data. Reader's Next method
// advances past the current entry's payload (if it was not fully read)
// to the next header, so a caller that ignores Read's return value
// still advances the archive correctly on the following Next call.
type Reader struct {
	r       io.Reader
	pad     int64       // Amount of padding (ignored bytes) after current payload
	curr    fileReader  // Reader for the current payload (implements fileReader)
	blk     block       // Buffer to use as temporary local storage
	err     error       // Last error seen

	// PAX extended records carried forward from a preceding TypeXGlobalHeader
	// entry, merged into every subsequent Header's PAXRecords until
	// overridden by a further global header.
	paxGlobalHdrs map[string]string
}

// NewReader creates a new Reader reading from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, curr: &regFileReader{r: r, nb: 0}}
}

// Next advances to the next entry in the tar archive. The Header.Size
// determines how many bytes can be read for the next file. Any remaining
// data in the current file is automatically discarded.
//
// io.EOF is returned at the end of the input.
func (tr *Reader) Next() (*Header, error) {
	if tr.err != nil {
		return nil, tr.err
	}
	hdr, err := tr.next()
	tr.err = err
	return hdr, err
}

func (tr *Reader) next() (*Header, error) {
	var paxHdrs map[string]string
	var gnuLongName, gnuLongLink string

	// Externally, Next iterates through the tar-file entries, but internally
	// it also iterates through the meta-entries (XHeader, GNU long name or
	// link, and sparse map entries) preceding the real header.
	for {
		if err := tr.skipUnread(); err != nil {
			return nil, err
		}
		hdr, rawHdr, err := tr.readHeader()
		if err != nil {
			return nil, err
		}
		// handleRegularFile installs a regFileReader sized to the physical
		// (on-wire) byte count, which is what meta-entry payloads (PAX
		// records, GNU long name/link) are framed by, and -- for sparse
		// entries -- what the data fragments' combined length is before
		// mergePAX/handleSparseFile learn the logical size.
		if err := tr.handleRegularFile(hdr); err != nil {
			return nil, err
		}

		switch hdr.Typeflag {
		case TypeXHeader, TypeXGlobalHeader:
			paxHdrs, err = parsePAX(tr)
			if err != nil {
				return nil, err
			}
			if hdr.Typeflag == TypeXGlobalHeader {
				if tr.paxGlobalHdrs == nil {
					tr.paxGlobalHdrs = make(map[string]string)
				}
				for k, v := range paxHdrs {
					if v == "" {
						delete(tr.paxGlobalHdrs, k) // Per PAX GNU semantics
						continue
					}
					tr.paxGlobalHdrs[k] = v
				}
				paxHdrs = nil
			}
			continue // This is a meta header affecting the next header
		case TypeGNULongName, TypeGNULongLink:
			realName, err := readSpecialFile(tr)
			if err != nil {
				return nil, err
			}
			var p parser
			name := p.parseString(realName)
			if p.err != nil {
				return nil, p.err
			}
			if hdr.Typeflag == TypeGNULongName {
				gnuLongName = name
			} else {
				gnuLongLink = name
			}
			continue // This is a meta header affecting the next header
		default:
			if err := mergePAX(hdr, tr.paxGlobalHdrs); err != nil {
				return nil, err
			}
			if err := mergePAX(hdr, paxHdrs); err != nil {
				return nil, err
			}
			if gnuLongName != "" {
				hdr.Name = gnuLongName
			}
			if gnuLongLink != "" {
				hdr.Linkname = gnuLongLink
			}
			if hdr.Typeflag == TypeRegA {
				if strings.HasSuffix(hdr.Name, "/") {
					hdr.Typeflag = TypeDir
				} else {
					hdr.Typeflag = TypeReg
				}
			}
			// The extended headers may have updated Size; re-check now
			// that it reflects its final value.
			if hdr.Size < 0 {
				return nil, ErrHeader
			}
			// The old GNU sparse format stores its metadata directly in
			// the header block rather than via PAX records, so it is
			// handled here rather than in the meta-header cases above.
			// handleSparseFile rewraps the already-installed
			// physically-sized regFileReader; it must run after mergePAX
			// in case mergePAX/readGNUSparsePAXHeaders adjusted hdr.Size
			// to the logical size.
			if err := tr.handleSparseFile(hdr, rawHdr); err != nil {
				return nil, err
			}
			return hdr, nil
		}
	}
}

// handleRegularFile sets up the current payload reader for a freshly read
// header: the number of logical bytes available and the trailing padding
// needed to reach the next 512-byte boundary.
func (tr *Reader) handleRegularFile(hdr *Header) error {
	nb := hdr.Size
	if isHeaderOnlyType(hdr.Typeflag) {
		nb = 0
	}
	if nb < 0 {
		return ErrHeader
	}
	tr.pad = blockPadding(nb)
	tr.curr = &regFileReader{r: tr.r, nb: nb}
	return nil
}

// handleSparseFile checks for the existence of GNU sparse headers, and
// if present, rewires tr.curr with a sparseFileReader that overlays the
// hole map atop the already-installed regFileReader.
func (tr *Reader) handleSparseFile(hdr *Header, rawHdr *block) error {
	var spd sparseDatas
	var err error
	if hdr.Typeflag == TypeGNUSparse {
		spd, err = tr.readOldGNUSparseMap(hdr, rawHdr)
	} else {
		spd, err = tr.readGNUSparsePAXHeaders(hdr)
	}
	if err != nil || spd == nil {
		return err
	}
	if !validateSparseEntries(spd, hdr.Size) {
		return ErrHeader
	}
	sph := invertSparseEntries(spd, hdr.Size)
	reg, ok := tr.curr.(*regFileReader)
	if !ok {
		return ErrHeader
	}
	tr.curr = &sparseFileReader{fr: reg, sp: sparseHoles(sph), tot: hdr.Size}
	return nil
}

// readGNUSparsePAXHeaders checks the PAX headers for GNU sparse headers.
// If they are found, then this function reads the sparse map and returns
// it. This assumes that r.curr is a *regFileReader.
func (tr *Reader) readGNUSparsePAXHeaders(hdr *Header) (sparseDatas, error) {
	is1x0 := hdr.PAXRecords[paxGNUSparseMajor] == "1" && hdr.PAXRecords[paxGNUSparseMinor] == "0"
	is0x1 := hdr.PAXRecords[paxGNUSparseMap] != ""
	if !is1x0 {
		is0x1 = is0x1 || hdr.PAXRecords[paxGNUSparseSize] != "" || hdr.PAXRecords[paxGNUSparseNumBlocks] != ""
	}
	switch {
	case is1x0:
		spd, err := readGNUSparseMap1x0(tr.curr)
		if err != nil {
			return nil, err
		}
		if name := hdr.PAXRecords[paxGNUSparseName]; name != "" {
			hdr.Name = name
		}
		if s := hdr.PAXRecords[paxGNUSparseRealSize]; s != "" {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, ErrHeader
			}
			hdr.Size = n
		}
		return spd, nil
	case is0x1:
		spd, err := readGNUSparseMap0x1(hdr.PAXRecords)
		if err != nil {
			return nil, err
		}
		if name := hdr.PAXRecords[paxGNUSparseName]; name != "" {
			hdr.Name = name
		}
		if s := hdr.PAXRecords[paxGNUSparseSize]; s != "" {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, ErrHeader
			}
			hdr.Size = n
		}
		return spd, nil
	}
	return nil, nil
}

// readOldGNUSparseMap reads the sparse map from the old GNU sparse
// format, which is stored directly in the header block's sparse table,
// possibly extended by one or more TypeGNUSparse continuation blocks.
func (tr *Reader) readOldGNUSparseMap(hdr *Header, rawHdr *block) (sparseDatas, error) {
	var p parser
	hdr.Size = p.parseNumeric(rawHdr.GNU().RealSize())
	if p.err != nil {
		return nil, p.err
	}
	s := rawHdr.GNU().Sparse()
	spd := make(sparseDatas, 0, s.MaxEntries())
	for {
		for i := 0; i < s.MaxEntries(); i++ {
			offset := p.parseNumeric(s.Entry(i).Offset())
			length := p.parseNumeric(s.Entry(i).Length())
			if p.err != nil {
				return nil, p.err
			}
			if offset == 0 && length == 0 {
				break
			}
			spd = append(spd, SparseEntry{Offset: offset, Length: length})
		}

		if s.IsExtended()[0] > 0 {
			var blk block
			if _, err := io.ReadFull(tr.r, blk[:]); err != nil {
				if err == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				return nil, err
			}
			s = blk.Sparse()
			continue
		}
		return spd, nil
	}
}

// readGNUSparseMap1x0 reads the sparse map as stored in GNU's PAX sparse
// format version 1.0, which is stored as a series of newline-terminated
// numeric fields at the start of the entry's own payload: a count,
// followed by that many (offset, length) pairs.
func readGNUSparseMap1x0(r io.Reader) (sparseDatas, error) {
	var (
		cntNewline int64
		buf        bytes.Buffer
		blk        block
	)

	// feedTokens copies data in blocks from r into buf until there are
	// at least n newlines in buf. It will not read more blocks than needed.
	feedTokens := func(n int64) error {
		for cntNewline < n {
			if nn, err := io.ReadFull(r, blk[:]); err != nil {
				if err == io.EOF && nn == 0 {
					return io.ErrUnexpectedEOF
				}
				return err
			}
			buf.Write(blk[:])
			for _, c := range blk {
				if c == '\n' {
					cntNewline++
				}
			}
		}
		return nil
	}

	// nextToken gets the next token delimited by a newline, assuming at
	// least one newline exists in the buffer.
	nextToken := func() string {
		cntNewline--
		tok, _ := buf.ReadString('\n')
		return strings.TrimRight(tok, "\n")
	}

	// Parse for the number of entries. Use integer overflow resistant
	// math to check this.
	if err := feedTokens(1); err != nil {
		return nil, err
	}
	numEntries, err := strconv.ParseInt(nextToken(), 10, 0) // Intentionally parse as native int
	if err != nil || numEntries < 0 || int(2*numEntries) < int(numEntries) {
		return nil, ErrHeader
	}

	// Parse for all member entries. numEntries is trusted after this
	// since a potential attacker must have committed resources
	// proportional to what this library used.
	if err := feedTokens(2 * numEntries); err != nil {
		return nil, err
	}
	spd := make(sparseDatas, 0, numEntries)
	for i := int64(0); i < numEntries; i++ {
		offset, err1 := strconv.ParseInt(nextToken(), 10, 64)
		length, err2 := strconv.ParseInt(nextToken(), 10, 64)
		if err1 != nil || err2 != nil {
			return nil, ErrHeader
		}
		spd = append(spd, SparseEntry{Offset: offset, Length: length})
	}
	return spd, nil
}

// readGNUSparseMap0x1 reads the sparse map as stored in GNU's PAX sparse
// format version 0.1, where the whole map is packed into a single
// comma-separated GNU.sparse.map PAX record.
func readGNUSparseMap0x1(paxHdrs map[string]string) (sparseDatas, error) {
	// Get number of entries. Use integer overflow resistant math to
	// check this.
	numEntriesStr := paxHdrs[paxGNUSparseNumBlocks]
	numEntries, err := strconv.ParseInt(numEntriesStr, 10, 0) // Intentionally parse as native int
	if err != nil || numEntries < 0 || int(2*numEntries) < int(numEntries) {
		return nil, ErrHeader
	}

	// There should be two numbers in sparseMap for each entry.
	sparseMap := strings.Split(paxHdrs[paxGNUSparseMap], ",")
	if len(sparseMap) == 1 && sparseMap[0] == "" {
		sparseMap = sparseMap[:0]
	}
	if int64(len(sparseMap)) != 2*numEntries {
		return nil, ErrHeader
	}

	// Loop through the entries in the sparse map. numEntries is trusted
	// now.
	spd := make(sparseDatas, 0, numEntries)
	for len(sparseMap) >= 2 {
		offset, err1 := strconv.ParseInt(sparseMap[0], 10, 64)
		length, err2 := strconv.ParseInt(sparseMap[1], 10, 64)
		if err1 != nil || err2 != nil {
			return nil, ErrHeader
		}
		spd = append(spd, SparseEntry{Offset: offset, Length: length})
		sparseMap = sparseMap[2:]
	}
	return spd, nil
}

// readHeader reads the next header block from the underlying reader,
// parsing it into both a Header and the raw block so sparse handling
// (which reads directly from the raw GNU fields) can run afterward.
func (tr *Reader) readHeader() (*Header, *block, error) {
	if _, err := io.ReadFull(tr.r, tr.blk[:]); err != nil {
		return nil, nil, err // Informative error from io.ReadFull
	}

	// Two consecutive zero blocks mark the end of the archive, but accept
	// a single trailing zero block too when followed by clean EOF.
	if tr.blk == zeroBlock {
		if _, err := io.ReadFull(tr.r, tr.blk[:]); err != nil && err != io.EOF {
			return nil, nil, err
		} else if tr.blk == zeroBlock {
			return nil, nil, io.EOF
		}
		return nil, nil, ErrHeader
	}

	format := tr.blk.GetFormat()
	if format == FormatUnknown {
		return nil, nil, ErrHeader
	}

	var p parser
	hdr := new(Header)

	v7 := tr.blk.V7()
	hdr.Typeflag = v7.TypeFlag()[0]
	hdr.Name = p.parseString(v7.Name())
	hdr.Linkname = p.parseString(v7.LinkName())
	hdr.Size = p.parseNumeric(v7.Size())
	hdr.Mode = p.parseNumeric(v7.Mode())
	hdr.Uid = int(p.parseNumeric(v7.UID()))
	hdr.Gid = int(p.parseNumeric(v7.GID()))
	hdr.ModTime = time.Unix(p.parseNumeric(v7.ModTime()), 0)

	switch {
	case format.has(formatSTAR):
		star := tr.blk.STAR()
		hdr.Uname = p.parseString(star.UserName())
		hdr.Gname = p.parseString(star.GroupName())
		hdr.Devmajor = p.parseNumeric(star.DevMajor())
		hdr.Devminor = p.parseNumeric(star.DevMinor())
		prefix := p.parseString(star.Prefix())
		if len(hdr.Name) > 0 && hdr.Name[0] != '/' && prefix != "" {
			hdr.Name = prefix + "/" + hdr.Name
		}
		if ts := p.parseNumeric(star.AccessTime()); ts > 0 {
			hdr.AccessTime = time.Unix(ts, 0)
		}
		if ts := p.parseNumeric(star.ChangeTime()); ts > 0 {
			hdr.ChangeTime = time.Unix(ts, 0)
		}
	case format.has(FormatUSTAR | FormatPAX):
		ustar := tr.blk.USTAR()
		hdr.Uname = p.parseString(ustar.UserName())
		hdr.Gname = p.parseString(ustar.GroupName())
		hdr.Devmajor = p.parseNumeric(ustar.DevMajor())
		hdr.Devminor = p.parseNumeric(ustar.DevMinor())
		prefix := p.parseString(ustar.Prefix())
		if len(hdr.Name) > 0 && hdr.Name[0] != '/' && prefix != "" {
			hdr.Name = prefix + "/" + hdr.Name
		}
	case format.has(FormatGNU):
		gnu := tr.blk.GNU()
		hdr.Uname = p.parseString(gnu.UserName())
		hdr.Gname = p.parseString(gnu.GroupName())
		hdr.Devmajor = p.parseNumeric(gnu.DevMajor())
		hdr.Devminor = p.parseNumeric(gnu.DevMinor())
		if b := gnu.AccessTime(); b[0] != 0 {
			if ts := p.parseNumeric(b); ts != 0 {
				hdr.AccessTime = time.Unix(ts, 0)
			}
		}
		if b := gnu.ChangeTime(); b[0] != 0 {
			if ts := p.parseNumeric(b); ts != 0 {
				hdr.ChangeTime = time.Unix(ts, 0)
			}
		}
	}
	if p.err != nil {
		return nil, nil, p.err
	}
	hdr.Format = format
	blk := tr.blk
	return hdr, &blk, nil
}

// skipUnread skips any unread bytes in the current file's payload, as
// well as any trailing padding. It returns io.ErrUnexpectedEOF if the
// underlying reader ends before the expected number of bytes.
func (tr *Reader) skipUnread() error {
	var tot int64
	if tr.curr != nil {
		tot = tr.curr.physicalRemaining()
	}
	tot += tr.pad
	tr.curr, tr.pad = nil, 0

	if sr, ok := tr.r.(io.Seeker); ok {
		if _, err := sr.Seek(tot, io.SeekCurrent); err == nil {
			return nil
		}
	}

	_, err := io.CopyN(io.Discard, tr.r, tot)
	if err == io.EOF && tot > 0 {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// Read reads from the current entry in the tar archive. It returns 0,
// io.EOF when it reaches the end of that entry, until Next is called to
// advance to the next entry.
func (tr *Reader) Read(b []byte) (int, error) {
	if tr.err != nil {
		return 0, tr.err
	}
	n, err := tr.curr.Read(b)
	if err != nil && err != io.EOF {
		tr.err = err
	}
	return n, err
}

// parsePAX parses PAX extended header records from tr, which must be
// positioned at the start of the extended header's payload, returning
// them as a key-value map.
func parsePAX(tr *Reader) (map[string]string, error) {
	buf, err := readSpecialFile(tr)
	if err != nil {
		return nil, err
	}
	sbuf := string(buf)

	// For GNU PAX sparse format 0.0, the sparse map is stored in the PAX
	// record GNU.sparse.map instead of in a dedicated header record; it
	// is accumulated across repeated offset/numbytes keys.
	var sparseMap strings.Builder
	paxHdrs := make(map[string]string)
	for len(sbuf) > 0 {
		k, v, rest, err := parsePAXRecord(sbuf)
		if err != nil {
			return nil, ErrHeader
		}
		sbuf = rest

		switch k {
		case paxGNUSparseOffset, paxGNUSparseNumBytes:
			if sparseMap.Len() > 0 {
				sparseMap.WriteByte(',')
			}
			sparseMap.WriteString(v)
		default:
			paxHdrs[k] = v
		}
	}
	if sparseMap.Len() > 0 {
		paxHdrs[paxGNUSparseMap] = sparseMap.String()
	}
	return paxHdrs, nil
}

// readSpecialFile reads the payload of a header-less meta entry (a PAX
// extended header or GNU long name/link record) to completion,
// respecting the already-installed current-entry reader's framing so
// that the outer loop's bookkeeping stays consistent.
func readSpecialFile(tr *Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, tr.curr); err != nil {
		return nil, err
	}
	if err := tr.skipUnread(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// mergePAX merges paxHdrs into hdr for all relevant fields, interpreting
// well-known keys specially and stashing the rest in hdr.PAXRecords.
func mergePAX(hdr *Header, paxHdrs map[string]string) (err error) {
	for k, v := range paxHdrs {
		if k == paxGNUSparseMap {
			continue // read from hdr.PAXRecords by readGNUSparsePAXHeaders
		}
		switch k {
		case paxPath:
			hdr.Name = v
		case paxLinkpath:
			hdr.Linkname = v
		case paxUname:
			hdr.Uname = v
		case paxGname:
			hdr.Gname = v
		case paxUid:
			hdr.Uid, err = strconvAtoiErr(v)
		case paxGid:
			hdr.Gid, err = strconvAtoiErr(v)
		case paxSize:
			hdr.Size, err = strconv.ParseInt(v, 10, 64)
		case paxMtime:
			hdr.ModTime, err = parsePAXTime(v)
		case paxAtime:
			hdr.AccessTime, err = parsePAXTime(v)
		case paxCtime:
			hdr.ChangeTime, err = parsePAXTime(v)
		default:
			if strings.HasPrefix(k, paxSchilyXattr) {
				if hdr.Xattrs == nil {
					hdr.Xattrs = make(map[string]string)
				}
				hdr.Xattrs[strings.TrimPrefix(k, paxSchilyXattr)] = v
			}
		}
		if err != nil {
			return ErrHeader
		}
	}
	if hdr.PAXRecords == nil && len(paxHdrs) > 0 {
		hdr.PAXRecords = make(map[string]string, len(paxHdrs))
	}
	for k, v := range paxHdrs {
		hdr.PAXRecords[k] = v
	}
	return nil
}

func strconvAtoiErr(s string) (int, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < math.MinInt32 || n > math.MaxInt32 {
		return 0, ErrHeader
	}
	return int(n), nil
}

var _ fs.FileInfo = headerFileInfo{}
