package tosdb

import "turnstonecore/src/util"

// superblockFields is the number of 8-byte little-endian slots the
// superblock's first block holds, grounded on biscuit's
// fs.Superblock_t (biscuit/src/fs/super.go), whose reader/writer methods
// are each a thin wrapper around indexed fieldr/fieldw calls over the raw
// block bytes.
const superblockFields = 6

// Superblock is TOSDB's on-disk block 0: the database's self-describing
// header naming where the current manifest, the next sstable id, and the
// write-ahead sequence counter live.
type Superblock struct {
	Data []byte
}

// NewSuperblock allocates a zeroed superblock block.
func NewSuperblock() *Superblock {
	return &Superblock{Data: make([]byte, BlockSize)}
}

func fieldr(data []byte, idx int) int64 {
	return int64(util.Readn(data, 8, idx*8))
}

func fieldw(data []byte, idx int, v int64) {
	util.Writen(data, 8, idx*8, int(v))
}

// ManifestBlock returns the block number of the current manifest.
func (sb *Superblock) ManifestBlock() int64 { return fieldr(sb.Data, 0) }

// SetManifestBlock records the block number of the current manifest.
func (sb *Superblock) SetManifestBlock(n int64) { fieldw(sb.Data, 0, n) }

// NextSSTableID returns the next unused sstable id.
func (sb *Superblock) NextSSTableID() int64 { return fieldr(sb.Data, 1) }

// SetNextSSTableID records the next unused sstable id.
func (sb *Superblock) SetNextSSTableID(n int64) { fieldw(sb.Data, 1, n) }

// WalSeq returns the write-ahead sequence counter's current value.
func (sb *Superblock) WalSeq() int64 { return fieldr(sb.Data, 2) }

// SetWalSeq records the write-ahead sequence counter.
func (sb *Superblock) SetWalSeq(n int64) { fieldw(sb.Data, 2, n) }

// MaxLevel returns the highest populated sstable level.
func (sb *Superblock) MaxLevel() int64 { return fieldr(sb.Data, 3) }

// SetMaxLevel records the highest populated sstable level.
func (sb *Superblock) SetMaxLevel(n int64) { fieldw(sb.Data, 3, n) }

// MemtableMaxSize returns the configured memtable flush threshold.
func (sb *Superblock) MemtableMaxSize() int64 { return fieldr(sb.Data, 4) }

// SetMemtableMaxSize records the configured memtable flush threshold.
func (sb *Superblock) SetMemtableMaxSize(n int64) { fieldw(sb.Data, 4, n) }

// Magic returns the superblock's format-identifying magic number.
func (sb *Superblock) Magic() int64 { return fieldr(sb.Data, 5) }

// SetMagic records the superblock's format-identifying magic number.
func (sb *Superblock) SetMagic(n int64) { fieldw(sb.Data, 5, n) }

// tosdbMagic identifies a valid superblock block.
const tosdbMagic = 0x544f53444200 // "TOSDB\0"
