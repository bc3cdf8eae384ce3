// Package tosdb implements TurnstoneOS's log-structured key-value engine:
// an in-memory memtable backed by sorted, bloom-filtered sstables on a
// pluggable disk or memory backend, with minor compaction sealing the
// memtable and major compaction merging sstables down a level. Grounded
// throughout on biscuit's filesystem block-device packages (fs/blk.go,
// fs/super.go, ufs/driver.go) for the on-disk discipline, adapted from a
// POSIX filesystem's inode/directory model to a flat sorted key-value
// store.
package tosdb

import (
	"sync"

	"turnstonecore/src/defs"
	"turnstonecore/src/limits"
	"turnstonecore/src/logging"
)

// DB is one open TOSDB instance.
type DB struct {
	mu sync.Mutex

	backend  TosdbBackend
	sb       *Superblock
	memtable *Memtable
	levels   [][]*SSTable
	nextBlock int64

	BloomCache    *Cache
	IndexCache    *Cache
	ValuelogCache *Cache

	maxMemtableSize int64
}

// Open initializes a DB over backend, writing a fresh superblock if block
// 0 doesn't already carry TOSDB's magic number. Otherwise it reloads every
// sstable stored after the superblock, in write order, into level 0.
func Open(backend TosdbBackend) (*DB, defs.Err_t) {
	db := &DB{
		backend:         backend,
		memtable:        NewMemtable(),
		levels:          make([][]*SSTable, limits.Syslimit.MaxLevel+1),
		nextBlock:       1,
		BloomCache:      NewCache(256),
		IndexCache:      NewCache(256),
		ValuelogCache:   NewCache(1024),
		maxMemtableSize: limits.Syslimit.MemtableMaxSize,
	}

	raw, err := backend.ReadBlock(0)
	if err != defs.EOK {
		return nil, err
	}
	sb := &Superblock{Data: raw}
	if sb.Magic() != tosdbMagic {
		logging.WithComponent("tosdb").Info("initializing fresh superblock")
		sb = NewSuperblock()
		sb.SetMagic(tosdbMagic)
		sb.SetNextSSTableID(0)
		sb.SetMemtableMaxSize(db.maxMemtableSize)
		if err := backend.WriteBlock(0, sb.Data); err != defs.EOK {
			return nil, err
		}
	} else {
		for db.nextBlock < backend.Size() {
			sst, err := OpenSSTable(backend, db.nextBlock, 0)
			if err != defs.EOK {
				return nil, err
			}
			db.levels[0] = append(db.levels[0], sst)
			db.nextBlock += sst.NumBlocks
		}
	}
	db.sb = sb
	return db, defs.EOK
}

// Put inserts or overwrites key with value, triggering a minor compaction
// if the memtable has grown past its configured threshold.
func (db *DB) Put(key Bstr, value []byte) defs.Err_t {
	db.mu.Lock()
	db.memtable.Put(key, value)
	tooBig := db.memtable.Size() > db.maxMemtableSize
	db.mu.Unlock()

	if tooBig {
		return db.MinorCompact()
	}
	return defs.EOK
}

// Delete records a tombstone for key.
func (db *DB) Delete(key Bstr) defs.Err_t {
	db.mu.Lock()
	db.memtable.Delete(key)
	db.mu.Unlock()
	return defs.EOK
}

// Get looks up key, checking the memtable first, then each sstable level
// from newest (level 0) to oldest, matching LSM read-path semantics: the
// first record found — even a tombstone — is authoritative.
func (db *DB) Get(key Bstr) ([]byte, defs.Err_t) {
	db.mu.Lock()
	if rec, ok := db.memtable.Get(key); ok {
		db.mu.Unlock()
		if rec.Tombstone {
			return nil, defs.ENotFound
		}
		return rec.Value, defs.EOK
	}
	levelsSnapshot := make([][]*SSTable, len(db.levels))
	copy(levelsSnapshot, db.levels)
	db.mu.Unlock()

	for _, level := range levelsSnapshot {
		for i := len(level) - 1; i >= 0; i-- {
			rec, ok, err := level[i].Get(key, db.ValuelogCache)
			if err != defs.EOK {
				return nil, err
			}
			if ok {
				if rec.Tombstone {
					return nil, defs.ENotFound
				}
				return rec.Value, defs.EOK
			}
		}
	}
	return nil, defs.ENotFound
}

// Sync flushes the memtable to a new sstable and syncs the backend,
// giving callers a durability checkpoint.
func (db *DB) Sync() defs.Err_t {
	if err := db.MinorCompact(); err != defs.EOK {
		return err
	}
	return db.backend.Sync()
}

// Close flushes and releases the backend.
func (db *DB) Close() defs.Err_t {
	if err := db.Sync(); err != defs.EOK {
		return err
	}
	return db.backend.Close()
}
