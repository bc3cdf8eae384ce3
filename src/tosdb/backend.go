package tosdb

import (
	"os"
	"sync"

	"turnstonecore/src/defs"
)

// BlockSize is TOSDB's fixed on-disk block granularity, matching the
// 8-byte-aligned, self-describing block discipline this wire format
// requires.
const BlockSize = 4096

// TosdbBackend abstracts the byte-addressable storage TOSDB reads and
// writes its sstables, value logs, and superblock through. The two
// implementations below, Disk and Memory, are grounded respectively on
// ufs.ahci_disk_t (a disk simulated by an *os.File with explicit
// Seek/Read/Write/Sync) and fs.Bdev_block_t (an in-memory slice of blocks
// used in tests).
//
// Backend IO is synchronous and may not be canceled mid-operation: once
// ReadBlock/WriteBlock is called it runs to completion, matching
// ahci_disk_t's blocking Start() method, which has no cancellation path
// either.
type TosdbBackend interface {
	ReadBlock(blockno int64) ([]byte, defs.Err_t)
	WriteBlock(blockno int64, data []byte) defs.Err_t
	Sync() defs.Err_t
	Size() int64 // total blocks
	Close() defs.Err_t
}

// DiskBackend stores blocks in a regular file, grounded on
// ufs.ahci_disk_t's Seek-then-Read/Write-then-Sync sequencing under a
// single mutex per device.
type DiskBackend struct {
	mu sync.Mutex
	f  *os.File
}

// OpenDiskBackend opens (creating if necessary) a file-backed store.
func OpenDiskBackend(path string) (*DiskBackend, defs.Err_t) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, defs.EIoFailure
	}
	return &DiskBackend{f: f}, defs.EOK
}

func (d *DiskBackend) seek(blockno int64) defs.Err_t {
	if _, err := d.f.Seek(blockno*BlockSize, 0); err != nil {
		return defs.EIoFailure
	}
	return defs.EOK
}

// ReadBlock reads one BlockSize-byte block.
func (d *DiskBackend) ReadBlock(blockno int64) ([]byte, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.seek(blockno); err != defs.EOK {
		return nil, err
	}
	buf := make([]byte, BlockSize)
	n, err := d.f.Read(buf)
	if err != nil || n != BlockSize {
		return nil, defs.EIoFailure
	}
	return buf, defs.EOK
}

// WriteBlock writes one BlockSize-byte block, padding short writes with
// zeros the way driver zero-extends partial pages.
func (d *DiskBackend) WriteBlock(blockno int64, data []byte) defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.seek(blockno); err != defs.EOK {
		return err
	}
	buf := make([]byte, BlockSize)
	copy(buf, data)
	n, err := d.f.Write(buf)
	if err != nil || n != BlockSize {
		return defs.EIoFailure
	}
	return defs.EOK
}

// Sync flushes pending writes to stable storage.
func (d *DiskBackend) Sync() defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.f.Sync(); err != nil {
		return defs.EIoFailure
	}
	return defs.EOK
}

// Size reports the file's current length in blocks.
func (d *DiskBackend) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	fi, err := d.f.Stat()
	if err != nil {
		return 0
	}
	return fi.Size() / BlockSize
}

// Close releases the underlying file.
func (d *DiskBackend) Close() defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.f.Close(); err != nil {
		return defs.EIoFailure
	}
	return defs.EOK
}

// MemoryBackend stores blocks in a slice of in-memory buffers, grounded
// on fs.Bdev_block_t in-memory test backend: no real disk
// is involved, so Sync is a no-op.
type MemoryBackend struct {
	mu     sync.Mutex
	blocks [][]byte
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) ensure(blockno int64) {
	for int64(len(m.blocks)) <= blockno {
		m.blocks = append(m.blocks, make([]byte, BlockSize))
	}
}

// ReadBlock returns a copy of the requested block, zero-filled if never
// written.
func (m *MemoryBackend) ReadBlock(blockno int64) ([]byte, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(blockno)
	out := make([]byte, BlockSize)
	copy(out, m.blocks[blockno])
	return out, defs.EOK
}

// WriteBlock stores data as the given block.
func (m *MemoryBackend) WriteBlock(blockno int64, data []byte) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(blockno)
	buf := make([]byte, BlockSize)
	copy(buf, data)
	m.blocks[blockno] = buf
	return defs.EOK
}

// Sync is a no-op: there is no durability boundary to cross in memory.
func (m *MemoryBackend) Sync() defs.Err_t { return defs.EOK }

// Size reports the number of blocks allocated so far.
func (m *MemoryBackend) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.blocks))
}

// Close is a no-op for the in-memory backend.
func (m *MemoryBackend) Close() defs.Err_t { return defs.EOK }
