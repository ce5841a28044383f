// Package tario implements reading and writing of tar archives.
//
// Tar formats are standardized archive file formats, originally designed
// to be streamed to and from magnetic tape. There are several variations
// of the format, including the historic V7, the USTAR and PAX formats
// specified by POSIX.1, and a predominant GNU variant. Each variation is
// incompatible in some way with the others, and is not a strict superset
// of the previous one. This package understands all of them on read. On
// write it picks USTAR when that can represent a given [Header], otherwise
// PAX, and GNU only when the Header's Format rules out PAX.
//
// Random access into an archive, concurrent writers on a single archive,
// in-place editing, and writing sparse archives are all out of scope:
// archives are consumed and produced strictly sequentially, one entry at
// a time.
package tario
