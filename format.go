package tario

// Magic/version strings a block carries to announce which format wrote
// it, and the trailer STAR appends after its own extension fields.
const (
	magicGNU, versionGNU     = "ustar ", " \x00"
	magicUSTAR, versionUSTAR = "ustar\x00", "00"
	trailerSTAR              = "tar\x00"
)

// Size constants shared across the formats below.
const (
	blockSize  = 512 // one archive I/O quantum
	nameSize   = 100 // width of the bare on-disk name field
	prefixSize = 155 // width of USTAR's name-prefix field
)

// block is one 512-byte quantum of tar I/O. Every format this package
// understands describes its header fields as fixed spans within the same
// underlying bytes; field.view slices one out without allocating or
// copying.
type block [blockSize]byte

// field locates an n-byte span at byte offset off within a block.
type field struct{ off, n int }

func (f field) view(b *block) []byte { return b[f.off:][:f.n] }

// v7Layout holds the fields present at the same offsets in every format:
// the original Unix V7 header that USTAR/PAX/GNU/STAR all build on top
// of.
var v7Layout = struct {
	name, mode, uid, gid, size, modTime, chksum, typeflag, linkName field
}{
	name:     field{0, 100},
	mode:     field{100, 8},
	uid:      field{108, 8},
	gid:      field{116, 8},
	size:     field{124, 12},
	modTime:  field{136, 12},
	chksum:   field{148, 8},
	typeflag: field{156, 1},
	linkName: field{157, 100},
}

// ustarLayout extends v7Layout with the magic, owner names, device
// numbers, and name-prefix fields POSIX.1-1988 added starting at byte
// 257.
var ustarLayout = struct {
	magic, version, userName, groupName, devMajor, devMinor, prefix field
}{
	magic:     field{257, 6},
	version:   field{263, 2},
	userName:  field{265, 32},
	groupName: field{297, 32},
	devMajor:  field{329, 8},
	devMinor:  field{337, 8},
	prefix:    field{345, 155},
}

// gnuLayout shares USTAR's magic/owner/device fields but replaces the
// prefix region with GNU's own access/change time, sparse-map, and
// real-size extensions.
var gnuLayout = struct {
	magic, version, userName, groupName, devMajor, devMinor field
	accessTime, changeTime, sparse, realSize                field
}{
	magic:      ustarLayout.magic,
	version:    ustarLayout.version,
	userName:   ustarLayout.userName,
	groupName:  ustarLayout.groupName,
	devMajor:   ustarLayout.devMajor,
	devMinor:   ustarLayout.devMinor,
	accessTime: field{345, 12},
	changeTime: field{357, 12},
	sparse:     field{386, 24*4 + 1},
	realSize:   field{483, 12},
}

// starLayout is Schily's tar extension: like USTAR/GNU's shared prefix,
// but with a shorter prefix field to make room for access/change time
// and a fixed trailer identifying the format.
var starLayout = struct {
	magic, version, userName, groupName, devMajor, devMinor field
	prefix, accessTime, changeTime, trailer                 field
}{
	magic:      ustarLayout.magic,
	version:    ustarLayout.version,
	userName:   ustarLayout.userName,
	groupName:  ustarLayout.groupName,
	devMajor:   ustarLayout.devMajor,
	devMinor:   ustarLayout.devMinor,
	prefix:     field{345, 131},
	accessTime: field{476, 12},
	changeTime: field{488, 12},
	trailer:    field{508, 4},
}

// v7View, gnuView, starView, and ustarView are thin overlays binding a
// layout's field descriptors to one block; none of them copy.
type v7View struct{ b *block }

func (b *block) V7() v7View { return v7View{b} }

func (v v7View) Name() []byte     { return v7Layout.name.view(v.b) }
func (v v7View) Mode() []byte     { return v7Layout.mode.view(v.b) }
func (v v7View) UID() []byte      { return v7Layout.uid.view(v.b) }
func (v v7View) GID() []byte      { return v7Layout.gid.view(v.b) }
func (v v7View) Size() []byte     { return v7Layout.size.view(v.b) }
func (v v7View) ModTime() []byte  { return v7Layout.modTime.view(v.b) }
func (v v7View) Chksum() []byte   { return v7Layout.chksum.view(v.b) }
func (v v7View) TypeFlag() []byte { return v7Layout.typeflag.view(v.b) }
func (v v7View) LinkName() []byte { return v7Layout.linkName.view(v.b) }

type ustarView struct{ b *block }

func (b *block) USTAR() ustarView { return ustarView{b} }

func (v ustarView) V7() v7View       { return v7View{v.b} }
func (v ustarView) Magic() []byte    { return ustarLayout.magic.view(v.b) }
func (v ustarView) Version() []byte  { return ustarLayout.version.view(v.b) }
func (v ustarView) UserName() []byte { return ustarLayout.userName.view(v.b) }
func (v ustarView) GroupName() []byte {
	return ustarLayout.groupName.view(v.b)
}
func (v ustarView) DevMajor() []byte { return ustarLayout.devMajor.view(v.b) }
func (v ustarView) DevMinor() []byte { return ustarLayout.devMinor.view(v.b) }
func (v ustarView) Prefix() []byte   { return ustarLayout.prefix.view(v.b) }

type gnuView struct{ b *block }

func (b *block) GNU() gnuView { return gnuView{b} }

func (v gnuView) V7() v7View        { return v7View{v.b} }
func (v gnuView) Magic() []byte     { return gnuLayout.magic.view(v.b) }
func (v gnuView) Version() []byte   { return gnuLayout.version.view(v.b) }
func (v gnuView) UserName() []byte  { return gnuLayout.userName.view(v.b) }
func (v gnuView) GroupName() []byte { return gnuLayout.groupName.view(v.b) }
func (v gnuView) DevMajor() []byte  { return gnuLayout.devMajor.view(v.b) }
func (v gnuView) DevMinor() []byte  { return gnuLayout.devMinor.view(v.b) }
func (v gnuView) AccessTime() []byte {
	return gnuLayout.accessTime.view(v.b)
}
func (v gnuView) ChangeTime() []byte {
	return gnuLayout.changeTime.view(v.b)
}
func (v gnuView) Sparse() sparseArray {
	return sparseArray(gnuLayout.sparse.view(v.b))
}
func (v gnuView) RealSize() []byte { return gnuLayout.realSize.view(v.b) }

type starView struct{ b *block }

func (b *block) STAR() starView { return starView{b} }

func (v starView) V7() v7View        { return v7View{v.b} }
func (v starView) Magic() []byte     { return starLayout.magic.view(v.b) }
func (v starView) Version() []byte   { return starLayout.version.view(v.b) }
func (v starView) UserName() []byte  { return starLayout.userName.view(v.b) }
func (v starView) GroupName() []byte { return starLayout.groupName.view(v.b) }
func (v starView) DevMajor() []byte  { return starLayout.devMajor.view(v.b) }
func (v starView) DevMinor() []byte  { return starLayout.devMinor.view(v.b) }
func (v starView) Prefix() []byte    { return starLayout.prefix.view(v.b) }
func (v starView) AccessTime() []byte {
	return starLayout.accessTime.view(v.b)
}
func (v starView) ChangeTime() []byte {
	return starLayout.changeTime.view(v.b)
}
func (v starView) Trailer() []byte { return starLayout.trailer.view(v.b) }

func (b *block) Sparse() sparseArray { return sparseArray(b[:]) }

// GetFormat identifies which format produced b, after confirming b is a
// header at all by recomputing its checksum. A checksum mismatch -- most
// often because b holds something other than a header block -- reports
// FormatUnknown rather than guessing from the magic bytes alone.
func (b *block) GetFormat() Format {
	var p parser
	recorded := p.parseOctal(b.V7().Chksum())
	unsignedSum, signedSum := b.ComputeChecksum()
	if p.err != nil || (recorded != unsignedSum && recorded != signedSum) {
		return FormatUnknown
	}

	u := b.USTAR()
	switch magic, version := string(u.Magic()), string(u.Version()); {
	case magic == magicUSTAR && string(b.STAR().Trailer()) == trailerSTAR:
		return formatSTAR
	case magic == magicUSTAR:
		// Plain USTAR magic with no STAR trailer: could be read back as
		// either USTAR or the PAX entry directly following it.
		return FormatUSTAR | FormatPAX
	case magic == magicGNU && version == versionGNU:
		return FormatGNU
	default:
		return formatV7
	}
}

// SetFormat stamps the magic/version bytes identifying format into b and
// brings the checksum field in sync with the result.
func (b *block) SetFormat(format Format) {
	switch {
	case format.has(formatV7):
		// No magic at all; V7 predates the convention.
	case format.has(FormatGNU):
		copy(b.GNU().Magic(), magicGNU)
		copy(b.GNU().Version(), versionGNU)
	case format.has(formatSTAR):
		copy(b.STAR().Magic(), magicUSTAR)
		copy(b.STAR().Version(), versionUSTAR)
		copy(b.STAR().Trailer(), trailerSTAR)
	case format.has(FormatUSTAR | FormatPAX):
		copy(b.USTAR().Magic(), magicUSTAR)
		copy(b.USTAR().Version(), versionUSTAR)
	default:
		panic("tario: invalid format")
	}

	sum, _ := b.ComputeChecksum() // always in [256, 128776], so six octal digits plus NUL fit in 7 bytes
	chksumField := b.V7().Chksum()
	var f formatter
	f.formatOctal(chksumField[:7], sum)
	chksumField[7] = ' '
}

// ComputeChecksum sums b's bytes both as unsigned and as signed int8s,
// treating the checksum field itself as eight spaces while doing so.
// POSIX specifies the unsigned sum; some historic writers (Sun tar among
// them) used the signed one instead, so both are produced and either is
// accepted on read.
func (b *block) ComputeChecksum() (unsignedSum, signedSum int64) {
	chksum := v7Layout.chksum
	for i, c := range b {
		if i >= chksum.off && i < chksum.off+chksum.n {
			c = ' '
		}
		unsignedSum += int64(c)
		signedSum += int64(int8(c))
	}
	return unsignedSum, signedSum
}

// Reset zeros out b, leaving it ready to hold a fresh header.
func (b *block) Reset() {
	*b = block{}
}

// sparseArray overlays the GNU-format sparse-entry table embedded either
// in a header block or in an extension block carrying nothing else.
type sparseArray []byte

const sparseEntrySize = 24

func (s sparseArray) MaxEntries() int        { return len(s) / sparseEntrySize }
func (s sparseArray) Entry(i int) sparseElem { return sparseElem(s[i*sparseEntrySize:]) }
func (s sparseArray) IsExtended() []byte {
	return s[sparseEntrySize*s.MaxEntries():][:1]
}

// sparseElem is one (offset, length) pair within a sparseArray.
type sparseElem []byte

func (s sparseElem) Offset() []byte { return s[0:12] }
func (s sparseElem) Length() []byte { return s[12:24] }
