// Core database type and lifecycle operations.
//
// DB is the catalog and coordinator: it owns every table's primary and
// secondary index handles, validates requests against the schemas, and
// routes operations to the cheapest access path. Index handles are
// opened here and closed when their index or table is dropped or the
// database closes. Operations run to completion on the calling
// goroutine; there is no shared state across operations beyond the
// files themselves.
package quarto

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Defaults for the tunables in Config.
const (
	defaultSeqThreshold    = 8
	defaultIsamBlockFactor = 4
	defaultIsamIndexFactor = 8
	defaultHashBlockFactor = 8
	defaultHashMaxOverflow = 2
)

// Config holds database configuration options. Zero values select the
// defaults above.
type Config struct {
	Logger          *zap.SugaredLogger
	HashAlgorithm   int // 1=xxHash3, 2=FNV1a, 3=Blake2b
	SeqThreshold    int // sequential file aux threshold floor
	BTreeOrder      int // 0 = widest order that fits a page
	IsamBlockFactor int // records per ISAM data page
	IsamIndexFactor int // entries per ISAM index page
	HashBlockFactor int // entries per hash bucket
	HashMaxOverflow int // overflow buckets before a split
}

// IndexKind names an index structure.
type IndexKind string

// Accepted index kinds.
const (
	Sequential IndexKind = "SEQUENTIAL"
	ISAM       IndexKind = "ISAM"
	BTree      IndexKind = "BTREE"
	Hash       IndexKind = "HASH"
	RTree      IndexKind = "RTREE"
)

// indexRoles records which positions each kind may occupy.
var indexRoles = map[IndexKind]struct{ primary, secondary bool }{
	Sequential: {primary: true},
	ISAM:       {primary: true, secondary: true},
	BTree:      {primary: true, secondary: true},
	Hash:       {secondary: true},
	RTree:      {secondary: true},
}

// primaryIndex is the contract of every structure that stores the
// records themselves and defines key uniqueness.
type primaryIndex interface {
	Insert(r Record) (OperationResult, error)
	Search(key any) (OperationResult, error)
	Delete(key any) (OperationResult, error)
	ScanAll() (OperationResult, error)
	Close() error
	Remove() error
}

// secondaryIndex is the contract of every structure that maps column
// values back to primary keys.
type secondaryIndex interface {
	Insert(value, pk any) (OperationResult, error)
	Delete(value, pk any) (OperationResult, error)
	Close() error
	Remove() error
}

// Capability interfaces. The coordinator dispatches on these rather
// than on concrete index types.
type ranger interface {
	RangeSearch(lo, hi any) (OperationResult, error)
}

type matcher interface {
	Search(value any) (OperationResult, error)
}

type spatial interface {
	Radius(x, y, radius float64) (OperationResult, error)
	Nearest(x, y float64, k int) (OperationResult, error)
}

// tableEntry is the catalog's state for one table.
type tableEntry struct {
	schema      *Schema
	primaryKind IndexKind
	primary     primaryIndex
	secondaries map[string]*secondaryEntry
}

// secondaryEntry is one secondary index handle and its declaration.
type secondaryEntry struct {
	kind  IndexKind
	field Field
	index secondaryIndex
}

// DB represents an open database: one directory holding one
// subdirectory per table.
type DB struct {
	dir    string
	name   string
	cfg    Config
	log    *zap.SugaredLogger
	tables map[string]*tableEntry
	closed bool
}

// Open opens or creates the database <name> under dir, reopening every
// table recorded in the catalog file.
func Open(dir, name string, cfg Config) (*DB, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	db := &DB{
		dir:    dir,
		name:   name,
		cfg:    cfg,
		log:    cfg.Logger,
		tables: map[string]*tableEntry{},
	}
	if err := os.MkdirAll(db.base(), 0o755); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.loadCatalog(); err != nil {
		return nil, err
	}
	db.log.Infow("database open", "name", name, "tables", len(db.tables))
	return db, nil
}

// base is the database directory.
func (db *DB) base() string { return filepath.Join(db.dir, db.name) }

// tableDir is one table's directory.
func (db *DB) tableDir(table string) string { return filepath.Join(db.base(), table) }

// table resolves a table entry.
func (db *DB) table(name string) (*tableEntry, error) {
	if db.closed {
		return nil, ErrClosed
	}
	t, ok := db.tables[name]
	if !ok {
		return nil, schemaErrf("table %s does not exist", name)
	}
	return t, nil
}

// openPrimary constructs a primary index of the given kind over the
// table's primary directory.
func (db *DB) openPrimary(schema *Schema, kind IndexKind) (primaryIndex, error) {
	if !indexRoles[kind].primary {
		return nil, schemaErrf("%s cannot be used as a primary index", kind)
	}
	dir := filepath.Join(db.tableDir(schema.Table), "primary")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	switch kind {
	case Sequential:
		return newSeqFile(dir, schema, db.cfg.SeqThreshold)
	case ISAM:
		return newISAMFile(dir, "isam", schema, db.cfg.IsamBlockFactor, db.cfg.IsamIndexFactor, true)
	case BTree:
		return newBTreeIndex(dir, schema, db.cfg.BTreeOrder)
	}
	return nil, schemaErrf("%s cannot be used as a primary index", kind)
}

// openSecondary constructs a secondary index of the given kind on one
// column, validating the kind against the column type.
func (db *DB) openSecondary(schema *Schema, field Field, kind IndexKind) (secondaryIndex, error) {
	if !indexRoles[kind].secondary {
		return nil, schemaErrf("%s cannot be used as a secondary index", kind)
	}
	if kind == RTree {
		if field.Type != TypeFloatArray || field.Size != 2 {
			return nil, schemaErrf("RTREE requires ARRAY[FLOAT, 2], column %s is %s", field.Name, field.Type)
		}
	} else if !field.comparable() {
		return nil, schemaErrf("%s cannot index column %s of type %s", kind, field.Name, field.Type)
	}
	dir := filepath.Join(db.tableDir(schema.Table), "secondary")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	pk := schema.keyField()
	switch kind {
	case BTree:
		return newUBTreeIndex(dir, schema.Table, field, pk, 0)
	case ISAM:
		return newISAMSecondary(dir, schema.Table, field, pk, db.cfg.IsamBlockFactor, db.cfg.IsamIndexFactor)
	case Hash:
		return newHashIndex(dir, schema.Table, field, pk, db.cfg.HashAlgorithm, db.cfg.HashBlockFactor, db.cfg.HashMaxOverflow)
	case RTree:
		return newRTreeIndex(dir, schema.Table, field, pk)
	}
	return nil, schemaErrf("%s cannot be used as a secondary index", kind)
}

// Close releases every index handle. The database cannot be used
// afterwards.
func (db *DB) Close() error {
	if db.closed {
		return ErrClosed
	}
	db.closed = true
	var first error
	for _, t := range db.tables {
		if err := t.primary.Close(); err != nil && first == nil {
			first = err
		}
		for _, s := range t.secondaries {
			if err := s.index.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	db.log.Infow("database closed", "name", db.name)
	return first
}
