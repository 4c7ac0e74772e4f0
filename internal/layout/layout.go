// Package layout implements the packed layout-id codec referenced
// throughout the scheduler, quota engine and open pipeline (spec §3,
// §4.1, §4.2, §4.6). A layout id is a single integer encoding stripe
// count, redundancy kind, checksum kind and block size; it is carried
// on every FileMD and is opaque outside of this package.
//
// Grounded on original_source/mgm/XrdMgmOfsFile.cc, which decodes a
// layout id via eos::common::LayoutId::{GetLayoutType,GetStripeNumber,
// GetChecksum,GetBlocksize}. This package re-expresses the same packed
// encoding as a Go value type instead of a set of free bit-twiddling
// functions on a bare integer.
package layout

import "fmt"

// Kind identifies the redundancy scheme of a layout.
type Kind uint8

const (
	KindPlain Kind = iota
	KindReplica
	KindRaidDP
	KindRaid6
	KindArchive
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindReplica:
		return "replica"
	case KindRaidDP:
		return "raiddp"
	case KindRaid6:
		return "raid6"
	case KindArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// Checksum identifies the per-file or per-block checksum algorithm.
type Checksum uint8

const (
	ChecksumNone Checksum = iota
	ChecksumAdler
	ChecksumCRC32C
	ChecksumMD5
	ChecksumSHA1
)

// ID is the packed layout id. Bit layout (low to high):
//
//	bits 0-3:   Kind
//	bits 4-7:   Checksum
//	bits 8-15:  stripe count (1-255)
//	bits 16-19: block checksum algorithm (same enum as Checksum)
//	bits 20-23: block size class (0 = 4k, 1 = 64k, 2 = 1M, 3 = 4M, 4 = 16M, 5 = 64M, 6 = 128M)
type ID uint32

// New packs the given fields into a layout ID.
func New(kind Kind, stripes int, checksum, blockChecksum Checksum, blockSizeClass uint8) ID {
	if stripes < 1 {
		stripes = 1
	}
	if stripes > 255 {
		stripes = 255
	}
	return ID(uint32(kind)&0xF) |
		ID(uint32(checksum)&0xF)<<4 |
		ID(uint32(stripes)&0xFF)<<8 |
		ID(uint32(blockChecksum)&0xF)<<16 |
		ID(uint32(blockSizeClass)&0xF)<<20
}

// Kind returns the redundancy kind packed into the id.
func (id ID) Kind() Kind { return Kind(id & 0xF) }

// Checksum returns the file checksum algorithm.
func (id ID) Checksum() Checksum { return Checksum((id >> 4) & 0xF) }

// BlockChecksum returns the block checksum algorithm.
func (id ID) BlockChecksum() Checksum { return Checksum((id >> 16) & 0xF) }

// BlockSizeClass returns the packed block-size class (see New's doc comment).
func (id ID) BlockSizeClass() uint8 { return uint8((id >> 20) & 0xF) }

// rawStripeField returns the raw stripe-count field, which for replica
// layouts stores the replica count and for plain layouts is unused (and
// forced to 1 by StripeCount).
func (id ID) rawStripeField() int { return int((id >> 8) & 0xFF) }

// StripeCount returns the number of fsids the scheduler must select for
// this layout — spec §4.1.1 "Result: vector of chosen fsids of length
// stripeCount(layoutId)".
func (id ID) StripeCount() int {
	switch id.Kind() {
	case KindPlain:
		return 1
	case KindReplica, KindArchive:
		n := id.rawStripeField()
		if n < 1 {
			return 1
		}
		return n
	case KindRaidDP:
		// N data + 2 parity stripes.
		n := id.rawStripeField()
		if n < 4 {
			n = 4
		}
		return n
	case KindRaid6:
		n := id.rawStripeField()
		if n < 4 {
			n = 4
		}
		return n
	default:
		return 1
	}
}

// MinOnlineReplica is the minimum number of online stripes required for
// a read to succeed (spec §4.1.2 access operation, §7 EXDEV/ENONET).
func (id ID) MinOnlineReplica() int {
	switch id.Kind() {
	case KindPlain:
		return 1
	case KindReplica, KindArchive:
		return 1
	case KindRaidDP:
		return id.StripeCount() - 1 // tolerates one parity-stripe loss cleanly
	case KindRaid6:
		return id.StripeCount() - 2
	default:
		return 1
	}
}

// SizeFactor is the per-replica redundancy multiplier used by the quota
// engine to convert physical bytes to logical bytes (spec §3 QuotaNode,
// §4.2 "Layout size factor"). It is always >= 1.0.
func (id ID) SizeFactor() float64 {
	switch id.Kind() {
	case KindPlain:
		return 1.0
	case KindReplica, KindArchive:
		f := float64(id.StripeCount())
		if f < 1.0 {
			return 1.0
		}
		return f
	case KindRaidDP:
		n := id.StripeCount()
		if n <= 2 {
			return 1.0
		}
		return float64(n) / float64(n-2)
	case KindRaid6:
		n := id.StripeCount()
		if n <= 2 {
			return 1.0
		}
		return float64(n) / float64(n-2)
	default:
		return 1.0
	}
}

// IsReplicated reports whether the layout carries more than one stripe
// per logical file, i.e. requires the replicated/RAID branch of the
// scheduler rather than the single-stripe "plain" branch.
func (id ID) IsReplicated() bool {
	return id.Kind() != KindPlain
}

func (id ID) String() string {
	return fmt.Sprintf("%s(stripes=%d,csum=%d,blkcsum=%d)", id.Kind(), id.StripeCount(), id.Checksum(), id.BlockChecksum())
}
