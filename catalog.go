// Catalog persistence and table lifecycle.
//
// The catalog file records every table's schema, primary index kind
// and secondary index declarations as plain JSON under the database
// directory, so a reopened database rebuilds its handles from disk.
// A table is created with exactly one primary index; secondaries come
// and go at any time, optionally back-filled from the primary.
// Dropping an index or table deletes its backing files.
package quarto

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	json "github.com/goccy/go-json"
)

// catalogName is the catalog file inside the database directory.
const catalogName = "catalog.json"

type catalogFile struct {
	Tables []catalogTable `json:"tables"`
}

type catalogTable struct {
	Schema      *Schema            `json:"schema"`
	Primary     IndexKind          `json:"primary"`
	Secondaries []catalogSecondary `json:"secondaries,omitempty"`
}

type catalogSecondary struct {
	Column string    `json:"column"`
	Kind   IndexKind `json:"kind"`
}

// saveCatalog writes the catalog file through a temporary file.
func (db *DB) saveCatalog() error {
	var cat catalogFile
	names := make([]string, 0, len(db.tables))
	for name := range db.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := db.tables[name]
		ct := catalogTable{Schema: t.schema, Primary: t.primaryKind}
		cols := make([]string, 0, len(t.secondaries))
		for col := range t.secondaries {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		for _, col := range cols {
			ct.Secondaries = append(ct.Secondaries, catalogSecondary{Column: col, Kind: t.secondaries[col].kind})
		}
		cat.Tables = append(cat.Tables, ct)
	}

	data, err := json.MarshalIndent(cat, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	path := filepath.Join(db.base(), catalogName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	return nil
}

// loadCatalog reopens every table recorded in the catalog file.
func (db *DB) loadCatalog() error {
	data, err := os.ReadFile(filepath.Join(db.base(), catalogName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	var cat catalogFile
	if err := json.Unmarshal(data, &cat); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	for _, ct := range cat.Tables {
		primary, err := db.openPrimary(ct.Schema, ct.Primary)
		if err != nil {
			return err
		}
		entry := &tableEntry{
			schema:      ct.Schema,
			primaryKind: ct.Primary,
			primary:     primary,
			secondaries: map[string]*secondaryEntry{},
		}
		for _, cs := range ct.Secondaries {
			field, ok := ct.Schema.Field(cs.Column)
			if !ok {
				return schemaErrf("catalog lists index on unknown column %s.%s", ct.Schema.Table, cs.Column)
			}
			idx, err := db.openSecondary(ct.Schema, field, cs.Kind)
			if err != nil {
				return err
			}
			entry.secondaries[cs.Column] = &secondaryEntry{kind: cs.Kind, field: field, index: idx}
		}
		db.tables[ct.Schema.Table] = entry
	}
	return nil
}

// CreateTable registers a table and builds its primary index. The
// schema's key field must exist and have an ordered type. Sequential
// primaries get the trailing active byte added to the schema.
func (db *DB) CreateTable(schema *Schema, primaryKind IndexKind) error {
	if db.closed {
		return ErrClosed
	}
	if _, exists := db.tables[schema.Table]; exists {
		return schemaErrf("table %s already exists", schema.Table)
	}
	kf, ok := schema.Field(schema.Key)
	if !ok {
		return schemaErrf("key field %s not declared in table %s", schema.Key, schema.Table)
	}
	if !kf.comparable() {
		return schemaErrf("key field %s has type %s, which cannot be ordered", kf.Name, kf.Type)
	}
	if primaryKind == "" {
		primaryKind = ISAM
	}
	if primaryKind == Sequential {
		schema.Active = true
	}
	primary, err := db.openPrimary(schema, primaryKind)
	if err != nil {
		return err
	}
	db.tables[schema.Table] = &tableEntry{
		schema:      schema,
		primaryKind: primaryKind,
		primary:     primary,
		secondaries: map[string]*secondaryEntry{},
	}
	if err := db.saveCatalog(); err != nil {
		return err
	}
	db.log.Infow("table created", "table", schema.Table, "primary", primaryKind)
	return nil
}

// CreateIndex adds a secondary index on one column, populating it from
// the primary when backfill is set. Metrics cover the primary scan and
// every secondary insert.
func (db *DB) CreateIndex(table, column string, kind IndexKind, backfill bool) (OperationResult, error) {
	t, err := db.table(table)
	if err != nil {
		return OperationResult{}, err
	}
	if column == t.schema.Key {
		return OperationResult{}, schemaErrf("cannot create a secondary index on primary key field %s", column)
	}
	field, ok := t.schema.Field(column)
	if !ok {
		return OperationResult{}, schemaErrf("field %s not found in table %s", column, table)
	}
	if _, exists := t.secondaries[column]; exists {
		return OperationResult{}, schemaErrf("index on %s.%s already exists", table, column)
	}

	idx, err := db.openSecondary(t.schema, field, kind)
	if err != nil {
		return OperationResult{}, err
	}

	total := aggregate()
	if backfill {
		scan, err := t.primary.ScanAll()
		if err != nil {
			idx.Remove()
			return OperationResult{}, err
		}
		total.add(breakdownPrimary, scan)
		for _, rec := range scan.Data.([]Record) {
			res, err := idx.Insert(rec[column], rec.Key(t.schema))
			if err != nil {
				idx.Remove()
				return OperationResult{}, err
			}
			total.add(breakdownSecondary(column), res)
		}
	}

	t.secondaries[column] = &secondaryEntry{kind: kind, field: field, index: idx}
	if err := db.saveCatalog(); err != nil {
		return OperationResult{}, err
	}
	db.log.Infow("index created", "table", table, "column", column, "kind", kind, "backfill", backfill)
	total.Data = true
	return total, nil
}

// DropIndex removes a secondary index and deletes its files. Dropping
// the primary key's index is a schema error.
func (db *DB) DropIndex(table, column string) error {
	t, err := db.table(table)
	if err != nil {
		return err
	}
	if column == t.schema.Key {
		return schemaErrf("cannot drop the primary index of table %s", table)
	}
	s, ok := t.secondaries[column]
	if !ok {
		return schemaErrf("no index on %s.%s", table, column)
	}
	if err := s.index.Remove(); err != nil {
		return fmt.Errorf("drop index %s.%s: %w", table, column, err)
	}
	delete(t.secondaries, column)
	if err := db.saveCatalog(); err != nil {
		return err
	}
	db.log.Infow("index dropped", "table", table, "column", column)
	return nil
}

// DropTable removes the table's primary and secondary indexes and
// deletes every backing file.
func (db *DB) DropTable(table string) error {
	t, err := db.table(table)
	if err != nil {
		return err
	}
	for col, s := range t.secondaries {
		if err := s.index.Remove(); err != nil {
			return fmt.Errorf("drop table %s: index %s: %w", table, col, err)
		}
	}
	if err := t.primary.Remove(); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	delete(db.tables, table)
	if err := os.RemoveAll(db.tableDir(table)); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	if err := db.saveCatalog(); err != nil {
		return err
	}
	db.log.Infow("table dropped", "table", table)
	return nil
}

// TableInfo summarises one table for introspection.
type TableInfo struct {
	Table       string
	PrimaryKind IndexKind
	Key         string
	Fields      []Field
	Secondaries map[string]IndexKind
}

// Info returns the table's catalog entry.
func (db *DB) Info(table string) (TableInfo, error) {
	t, err := db.table(table)
	if err != nil {
		return TableInfo{}, err
	}
	info := TableInfo{
		Table:       table,
		PrimaryKind: t.primaryKind,
		Key:         t.schema.Key,
		Fields:      t.schema.Fields,
		Secondaries: map[string]IndexKind{},
	}
	for col, s := range t.secondaries {
		info.Secondaries[col] = s.kind
	}
	return info, nil
}

// ListTables returns the table names in sorted order.
func (db *DB) ListTables() []string {
	names := make([]string, 0, len(db.tables))
	for name := range db.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
