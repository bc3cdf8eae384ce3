package tosdb

import (
	"sort"

	"turnstonecore/src/defs"
)

// MinorCompact seals db's current memtable into a new level-0 sstable,
// the cheap compaction path that runs whenever the memtable crosses its
// size threshold.
func (db *DB) MinorCompact() defs.Err_t {
	db.mu.Lock()
	if db.memtable.Len() == 0 {
		db.mu.Unlock()
		return defs.EOK
	}
	records := db.memtable.Sorted()
	startBlock := db.nextBlock
	db.mu.Unlock()

	sst, err := WriteSSTable(db.backend, startBlock, 0, records)
	if err != defs.EOK {
		return err
	}

	db.mu.Lock()
	db.nextBlock = startBlock + sst.NumBlocks
	db.levels[0] = append(db.levels[0], sst)
	db.memtable = NewMemtable()
	db.sb.SetMaxLevel(int64(len(db.levels) - 1))
	db.mu.Unlock()

	db.maybeScheduleMajor()
	return defs.EOK
}

// MajorCompact merges every sstable at level into a single sstable one
// level down, resolving tombstones and superseded keys along the way:
// when two levels hold the same key, the one from the shallower (newer)
// level wins, and a tombstone is dropped entirely once it has propagated
// past the deepest level that could still hold an older value for that
// key ("tombstone wins over an older value, but is itself
// garbage-collected once no older value survives below it").
func (db *DB) MajorCompact(level int) defs.Err_t {
	db.mu.Lock()
	if level+1 >= len(db.levels) {
		db.levels = append(db.levels, nil)
	}
	srcs := db.levels[level]
	dsts := db.levels[level+1]
	db.mu.Unlock()

	if len(srcs) == 0 {
		return defs.EOK
	}

	merged := mergeSSTables(srcs, dsts, level+1 >= len(db.levels)-1)

	db.mu.Lock()
	startBlock := db.nextBlock
	db.mu.Unlock()

	sst, err := WriteSSTable(db.backend, startBlock, level+1, merged)
	if err != defs.EOK {
		return err
	}

	db.mu.Lock()
	db.nextBlock = startBlock + sst.NumBlocks
	db.levels[level] = nil
	db.levels[level+1] = []*SSTable{sst}
	db.mu.Unlock()
	return defs.EOK
}

// mergeSSTables performs a k-way merge over every record in srcs followed
// by dsts (srcs are newer), keeping only the newest record per key.
// dropTombstones discards tombstones outright once there is no deeper
// level left for them to shadow.
func mergeSSTables(srcs, dsts []*SSTable, dropTombstones bool) []Record {
	latest := make(map[string]Record)
	order := make([]string, 0)

	apply := func(tables []*SSTable, newerWins bool) {
		for _, t := range tables {
			for _, ie := range t.Index {
				k := string(ie.key)
				rec := Record{Key: ie.key, Tombstone: ie.tombstone}
				if !ie.tombstone {
					v, _ := t.readValue(ie)
					rec.Value = v
				}
				if _, seen := latest[k]; !seen {
					order = append(order, k)
					latest[k] = rec
				} else if newerWins {
					latest[k] = rec
				}
			}
		}
	}

	// srcs are always newer than dsts in this scheme (lower level = newer).
	apply(srcs, true)
	apply(dsts, false)

	out := make([]Record, 0, len(order))
	for _, k := range order {
		rec := latest[k]
		if rec.Tombstone && dropTombstones {
			continue
		}
		out = append(out, rec)
	}
	// re-sort since map iteration order above (via `order`) only reflects
	// first-seen order, not key order.
	sortRecords(out)
	return out
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key.Less(recs[j].Key) })
}

// maybeScheduleMajor runs a major compaction on level 0 once it holds
// more than four sstables, keeping read amplification bounded.
func (db *DB) maybeScheduleMajor() {
	db.mu.Lock()
	tooMany := len(db.levels[0]) > 4
	db.mu.Unlock()
	if tooMany {
		db.MajorCompact(0)
	}
}
