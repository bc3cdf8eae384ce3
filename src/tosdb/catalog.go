package tosdb

import (
	"encoding/binary"
	"fmt"
	"sync"

	"turnstonecore/src/defs"
)

// ColumnType enumerates the primitive types a table column can hold, the
// "type" half of the §3 per-field (column_id, type, length, bytes) record
// shape.
type ColumnType uint8

const (
	ColInt ColumnType = iota
	ColString
	ColBytes
	ColBool
)

// Column describes one named, typed slot in a Table's row shape. Exactly
// one column per table is marked Primary; its value becomes the sstable
// key every row is stored and looked up under.
type Column struct {
	ID      uint64
	Name    string
	Type    ColumnType
	Length  uint32
	Primary bool
}

// Index is a named secondary index over one non-primary column, recorded
// in the catalog alongside its owning table. Unlike the primary key it is
// not backed by any sorted structure, and no lookup by it is provided.
type Index struct {
	ID     uint64
	Name   string
	Column uint64
}

// Table is one named, typed collection of rows within a Database, the §3
// "Table" metadata entity: a fixed column list, exactly one primary
// column, and zero or more secondary indexes.
type Table struct {
	ID      uint64
	Name    string
	Columns []Column
	Indexes []*Index

	primary int // index into Columns
	db      *Database
}

// Field is one column's value as it is actually stored: the column it
// belongs to, that column's type for decoding, and the raw encoded bytes,
// the wire shape spec §3 names for a record's per-field layout.
type Field struct {
	ColumnID uint64
	Type     ColumnType
	Length   uint32
	Bytes    []byte
}

// Database is a named collection of tables sharing one storage engine and
// catalog, the §3 "Database" metadata entity that "points to table lists
// and sstable trees".
type Database struct {
	mu     sync.Mutex
	ID     uint64
	Name   string
	engine *DB

	tables       map[string]*Table
	nextTableID  uint64
	nextColumnID uint64
	nextIndexID  uint64
}

const catalogTableList = "__tables__"

// key tags distinguish catalog metadata entries from table row data within
// the one flat keyspace the underlying engine provides.
const (
	keyTagCatalog byte = 0x00
	keyTagRow     byte = 0x01
)

func catalogKey(name string) Bstr {
	b := make(Bstr, 1+len(name))
	b[0] = keyTagCatalog
	copy(b[1:], name)
	return b
}

func rowKey(tableID uint64, pk []byte) Bstr {
	b := make(Bstr, 1+8+len(pk))
	b[0] = keyTagRow
	binary.LittleEndian.PutUint64(b[1:9], tableID)
	copy(b[9:], pk)
	return b
}

// CreateDatabase opens (or reattaches to) the catalog stored in backend
// and returns the one Database handle for it, the entry point the §4.8
// Database/Table/Column/Index layer is built around.
func CreateDatabase(backend TosdbBackend, name string) (*Database, defs.Err_t) {
	engine, err := Open(backend)
	if err != defs.EOK {
		return nil, err
	}
	db := &Database{
		ID:           1,
		Name:         name,
		engine:       engine,
		tables:       make(map[string]*Table),
		nextTableID:  1,
		nextColumnID: 1,
		nextIndexID:  1,
	}
	if err := db.loadCatalog(); err != defs.EOK {
		return nil, err
	}
	return db, defs.EOK
}

// loadCatalog rebuilds the in-memory table map from whatever catalog
// entries the backend already carries, so reopening a Database after
// Close recovers every CreateTable call made before it.
func (db *Database) loadCatalog() defs.Err_t {
	raw, err := db.engine.Get(catalogKey(catalogTableList))
	if err == defs.ENotFound {
		return defs.EOK
	}
	if err != defs.EOK {
		return err
	}
	for _, name := range decodeNameList(raw) {
		meta, err := db.engine.Get(catalogKey(name))
		if err != defs.EOK {
			return err
		}
		t, derr := decodeTableMeta(meta)
		if derr != nil {
			return defs.EChecksum
		}
		t.db = db
		db.tables[name] = t
		if t.ID >= db.nextTableID {
			db.nextTableID = t.ID + 1
		}
		for _, c := range t.Columns {
			if c.ID >= db.nextColumnID {
				db.nextColumnID = c.ID + 1
			}
		}
		for _, ix := range t.Indexes {
			if ix.ID >= db.nextIndexID {
				db.nextIndexID = ix.ID + 1
			}
		}
	}
	return defs.EOK
}

// CreateTable defines a new table with the given columns, exactly one of
// which must have Primary set, and persists its metadata to the catalog.
func (db *Database) CreateTable(name string, columns []Column) (*Table, defs.Err_t) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, exists := db.tables[name]; exists {
		return nil, defs.EAlreadyExists
	}
	primaryIdx := -1
	cols := make([]Column, len(columns))
	for i, c := range columns {
		c.ID = db.nextColumnID
		db.nextColumnID++
		if c.Primary {
			if primaryIdx != -1 {
				return nil, defs.EInvalidArgument
			}
			primaryIdx = i
		}
		cols[i] = c
	}
	if primaryIdx == -1 {
		return nil, defs.EInvalidArgument
	}

	t := &Table{
		ID:      db.nextTableID,
		Name:    name,
		Columns: cols,
		primary: primaryIdx,
		db:      db,
	}
	db.nextTableID++

	if err := db.engine.Put(catalogKey(name), encodeTableMeta(t)); err != defs.EOK {
		return nil, err
	}
	names := append(db.tableNamesLocked(), name)
	if err := db.engine.Put(catalogKey(catalogTableList), encodeNameList(names)); err != defs.EOK {
		return nil, err
	}

	db.tables[name] = t
	return t, defs.EOK
}

func (db *Database) tableNamesLocked() []string {
	names := make([]string, 0, len(db.tables))
	for n := range db.tables {
		names = append(names, n)
	}
	return names
}

// Table returns the named table, if one has been created.
func (db *Database) Table(name string) (*Table, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tables[name]
	return t, ok
}

// CreateSecondaryIndex registers a named index over column, recorded in
// the table's catalog entry alongside its primary key.
func (t *Table) CreateSecondaryIndex(name string, column string) (*Index, defs.Err_t) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	col, ok := t.columnByName(column)
	if !ok {
		return nil, defs.ENotFound
	}
	ix := &Index{ID: t.db.nextIndexID, Name: name, Column: col.ID}
	t.db.nextIndexID++
	t.Indexes = append(t.Indexes, ix)
	if err := t.db.engine.Put(catalogKey(t.Name), encodeTableMeta(t)); err != defs.EOK {
		return nil, err
	}
	return ix, defs.EOK
}

func (t *Table) columnByName(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (t *Table) columnByID(id uint64) (Column, bool) {
	for _, c := range t.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return Column{}, false
}

// PrimaryColumn returns the table's single primary-key column.
func (t *Table) PrimaryColumn() Column {
	return t.Columns[t.primary]
}

// EncodeColumnValue renders v (an int64, string, []byte, or bool,
// according to typ) into the raw bytes a Field carries. Integers are
// encoded big-endian (two's complement), so lexicographic key order — the
// order the underlying sstables already sort by — matches numeric order
// among non-negative values; negative values sort after all of them.
func EncodeColumnValue(typ ColumnType, v interface{}) ([]byte, defs.Err_t) {
	switch typ {
	case ColInt:
		n, ok := v.(int64)
		if !ok {
			if i, ok2 := v.(int); ok2 {
				n, ok = int64(i), true
			}
		}
		if !ok {
			return nil, defs.EInvalidArgument
		}
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(n))
		return b, defs.EOK
	case ColString:
		s, ok := v.(string)
		if !ok {
			return nil, defs.EInvalidArgument
		}
		return []byte(s), defs.EOK
	case ColBytes:
		b, ok := v.([]byte)
		if !ok {
			return nil, defs.EInvalidArgument
		}
		return b, defs.EOK
	case ColBool:
		b, ok := v.(bool)
		if !ok {
			return nil, defs.EInvalidArgument
		}
		if b {
			return []byte{1}, defs.EOK
		}
		return []byte{0}, defs.EOK
	default:
		return nil, defs.EInvalidArgument
	}
}

// DecodeColumnValue is EncodeColumnValue's inverse.
func DecodeColumnValue(typ ColumnType, b []byte) interface{} {
	switch typ {
	case ColInt:
		if len(b) != 8 {
			return int64(0)
		}
		return int64(binary.BigEndian.Uint64(b))
	case ColString:
		return string(b)
	case ColBytes:
		return append([]byte(nil), b...)
	case ColBool:
		return len(b) > 0 && b[0] != 0
	default:
		return nil
	}
}

// Upsert writes fields as one row, keyed by whichever field matches the
// table's primary column, the low-level entry point matching §3's
// per-field (column_id, type, length, bytes) record shape directly.
func (t *Table) Upsert(fields ...Field) defs.Err_t {
	pk := t.PrimaryColumn()
	var pkBytes []byte
	for _, f := range fields {
		if f.ColumnID == pk.ID {
			pkBytes = f.Bytes
			break
		}
	}
	if pkBytes == nil {
		return defs.EInvalidArgument
	}
	return t.db.engine.Put(rowKey(t.ID, pkBytes), encodeFields(fields))
}

// UpsertRow is Upsert's ergonomic counterpart: values maps column names to
// Go values, encoded through each column's declared type.
func (t *Table) UpsertRow(values map[string]interface{}) defs.Err_t {
	fields := make([]Field, 0, len(t.Columns))
	for _, c := range t.Columns {
		v, ok := values[c.Name]
		if !ok {
			continue
		}
		b, err := EncodeColumnValue(c.Type, v)
		if err != defs.EOK {
			return err
		}
		fields = append(fields, Field{ColumnID: c.ID, Type: c.Type, Length: uint32(len(b)), Bytes: b})
	}
	return t.Upsert(fields...)
}

// GetRow looks up the row whose primary column equals primaryValue and
// decodes it into a name-keyed map.
func (t *Table) GetRow(primaryValue interface{}) (map[string]interface{}, defs.Err_t) {
	pk := t.PrimaryColumn()
	pkBytes, err := EncodeColumnValue(pk.Type, primaryValue)
	if err != defs.EOK {
		return nil, err
	}
	raw, err := t.db.engine.Get(rowKey(t.ID, pkBytes))
	if err != defs.EOK {
		return nil, err
	}
	fields, derr := decodeFields(raw)
	if derr != nil {
		return nil, defs.EChecksum
	}
	row := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		c, ok := t.columnByID(f.ColumnID)
		if !ok {
			continue
		}
		row[c.Name] = DecodeColumnValue(f.Type, f.Bytes)
	}
	return row, defs.EOK
}

// DeleteRow removes the row keyed by primaryValue.
func (t *Table) DeleteRow(primaryValue interface{}) defs.Err_t {
	pk := t.PrimaryColumn()
	pkBytes, err := EncodeColumnValue(pk.Type, primaryValue)
	if err != defs.EOK {
		return err
	}
	return t.db.engine.Delete(rowKey(t.ID, pkBytes))
}

// CompactKind selects which of TOSDB's two compaction strategies to run.
type CompactKind int

const (
	CompactMinor CompactKind = iota
	CompactMajor
)

// Compact runs the named compaction strategy against the table's shared
// engine: CompactMinor seals the memtable into a new level-0 sstable (so
// it adds one sstable when the memtable is non-empty), CompactMajor merges
// level 0 down into level 1, leaving one sstable there. Neither changes
// what GetRow subsequently returns.
func (t *Table) Compact(kind CompactKind) defs.Err_t {
	switch kind {
	case CompactMinor:
		return t.db.engine.MinorCompact()
	case CompactMajor:
		return t.db.engine.MajorCompact(0)
	default:
		return defs.EInvalidArgument
	}
}

// Sync flushes the database's memtable and backend.
func (db *Database) Sync() defs.Err_t { return db.engine.Sync() }

// Close flushes and releases the database's backend.
func (db *Database) Close() defs.Err_t { return db.engine.Close() }

// encodeFields serializes a row's fields as a length-prefixed sequence:
// for each field, an 8-byte column id, a 1-byte type tag, a 4-byte
// length, then that many raw bytes — the §3 per-field record shape laid
// out little-endian, matching the rest of this module's wire format.
func encodeFields(fields []Field) []byte {
	size := 4
	for _, f := range fields {
		size += 8 + 1 + 4 + len(f.Bytes)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(fields)))
	off := 4
	for _, f := range fields {
		binary.LittleEndian.PutUint64(buf[off:], f.ColumnID)
		off += 8
		buf[off] = byte(f.Type)
		off++
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(f.Bytes)))
		off += 4
		copy(buf[off:], f.Bytes)
		off += len(f.Bytes)
	}
	return buf
}

func decodeFields(b []byte) ([]Field, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("tosdb: truncated record")
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	off := 4
	fields := make([]Field, 0, n)
	for i := uint32(0); i < n; i++ {
		if off+8+1+4 > len(b) {
			return nil, fmt.Errorf("tosdb: truncated field header")
		}
		colID := binary.LittleEndian.Uint64(b[off:])
		off += 8
		typ := ColumnType(b[off])
		off++
		flen := int(binary.LittleEndian.Uint32(b[off:]))
		off += 4
		if off+flen > len(b) {
			return nil, fmt.Errorf("tosdb: truncated field body")
		}
		fields = append(fields, Field{ColumnID: colID, Type: typ, Length: uint32(flen), Bytes: b[off : off+flen]})
		off += flen
	}
	return fields, nil
}

// encodeTableMeta serializes a table's id, name, columns, and indexes for
// the catalog entry at catalogKey(table.Name).
func encodeTableMeta(t *Table) []byte {
	size := 8 + 4 + len(t.Name) + 4
	for _, c := range t.Columns {
		size += 8 + 2 + len(c.Name) + 1 + 4 + 1
	}
	size += 4
	for _, ix := range t.Indexes {
		size += 8 + 2 + len(ix.Name) + 8
	}
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], t.ID)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(t.Name)))
	off += 4
	off += copy(buf[off:], t.Name)

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(t.Columns)))
	off += 4
	for _, c := range t.Columns {
		binary.LittleEndian.PutUint64(buf[off:], c.ID)
		off += 8
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(c.Name)))
		off += 2
		off += copy(buf[off:], c.Name)
		buf[off] = byte(c.Type)
		off++
		binary.LittleEndian.PutUint32(buf[off:], c.Length)
		off += 4
		if c.Primary {
			buf[off] = 1
		}
		off++
	}

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(t.Indexes)))
	off += 4
	for _, ix := range t.Indexes {
		binary.LittleEndian.PutUint64(buf[off:], ix.ID)
		off += 8
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(ix.Name)))
		off += 2
		off += copy(buf[off:], ix.Name)
		binary.LittleEndian.PutUint64(buf[off:], ix.Column)
		off += 8
	}
	return buf
}

func decodeTableMeta(b []byte) (*Table, error) {
	off := 0
	need := func(n int) error {
		if off+n > len(b) {
			return fmt.Errorf("tosdb: truncated table metadata")
		}
		return nil
	}
	if err := need(8 + 4); err != nil {
		return nil, err
	}
	id := binary.LittleEndian.Uint64(b[off:])
	off += 8
	nameLen := int(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	if err := need(nameLen); err != nil {
		return nil, err
	}
	name := string(b[off : off+nameLen])
	off += nameLen

	if err := need(4); err != nil {
		return nil, err
	}
	ncols := int(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	cols := make([]Column, ncols)
	primary := -1
	for i := 0; i < ncols; i++ {
		if err := need(8 + 2); err != nil {
			return nil, err
		}
		cid := binary.LittleEndian.Uint64(b[off:])
		off += 8
		cnameLen := int(binary.LittleEndian.Uint16(b[off:]))
		off += 2
		if err := need(cnameLen + 1 + 4 + 1); err != nil {
			return nil, err
		}
		cname := string(b[off : off+cnameLen])
		off += cnameLen
		typ := ColumnType(b[off])
		off++
		length := binary.LittleEndian.Uint32(b[off:])
		off += 4
		isPrimary := b[off] != 0
		off++
		if isPrimary {
			primary = i
		}
		cols[i] = Column{ID: cid, Name: cname, Type: typ, Length: length, Primary: isPrimary}
	}

	if err := need(4); err != nil {
		return nil, err
	}
	nidx := int(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	indexes := make([]*Index, nidx)
	for i := 0; i < nidx; i++ {
		if err := need(8 + 2); err != nil {
			return nil, err
		}
		iid := binary.LittleEndian.Uint64(b[off:])
		off += 8
		inameLen := int(binary.LittleEndian.Uint16(b[off:]))
		off += 2
		if err := need(inameLen + 8); err != nil {
			return nil, err
		}
		iname := string(b[off : off+inameLen])
		off += inameLen
		col := binary.LittleEndian.Uint64(b[off:])
		off += 8
		indexes[i] = &Index{ID: iid, Name: iname, Column: col}
	}

	if primary == -1 {
		return nil, fmt.Errorf("tosdb: table %q has no primary column", name)
	}
	return &Table{ID: id, Name: name, Columns: cols, Indexes: indexes, primary: primary}, nil
}

// encodeNameList/decodeNameList serialize the catalog's table-name index:
// a count followed by length-prefixed names.
func encodeNameList(names []string) []byte {
	size := 4
	for _, n := range names {
		size += 4 + len(n)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(names)))
	off := 4
	for _, n := range names {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(n)))
		off += 4
		off += copy(buf[off:], n)
	}
	return buf
}

func decodeNameList(b []byte) []string {
	if len(b) < 4 {
		return nil
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	off := 4
	names := make([]string, 0, n)
	for i := uint32(0); i < n && off+4 <= len(b); i++ {
		l := int(binary.LittleEndian.Uint32(b[off:]))
		off += 4
		if off+l > len(b) {
			break
		}
		names = append(names, string(b[off:off+l]))
		off += l
	}
	return names
}
