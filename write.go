// Write routing.
//
// Inserts go to the primary first; only a successful primary insert
// propagates (value, key) entries to the secondaries, so a duplicate
// key leaves every index untouched. Deletes resolve the affected
// records through the read path, then remove each record from every
// secondary before the primary, keeping the indirection sound at all
// times. All metrics accumulate with their per-index breakdown.
package quarto

import "sort"

// Insert adds one record to the table and every index on it. A
// duplicate primary key is a soft failure: Data is false, the message
// names the key, and no secondary is touched.
func (db *DB) Insert(table string, r Record) (OperationResult, error) {
	t, err := db.table(table)
	if err != nil {
		return OperationResult{}, err
	}
	rec := make(Record, len(t.schema.Fields))
	for _, f := range t.schema.Fields {
		v, err := normalize(f, r[f.Name])
		if err != nil {
			return OperationResult{}, err
		}
		rec[f.Name] = v
	}

	res, err := t.primary.Insert(rec)
	if err != nil {
		return OperationResult{}, err
	}
	total := aggregate()
	total.add(breakdownPrimary, res)
	if res.RebuildTriggered {
		db.log.Infow("rebuild triggered", "table", table)
	}
	if flag, ok := res.Data.(bool); ok && !flag {
		total.Data = false
		total.Message = res.Message
		return total, nil
	}

	key := rec.Key(t.schema)
	for _, col := range sortedColumns(t) {
		s := t.secondaries[col]
		sres, err := s.index.Insert(rec[col], key)
		if err != nil {
			return OperationResult{}, err
		}
		total.add(breakdownSecondary(col), sres)
	}
	total.Data = true
	return total, nil
}

// Delete removes the records where field equals value. An empty field
// means the primary key. Data is the number of records removed.
func (db *DB) Delete(table, field string, value any) (OperationResult, error) {
	found, err := db.Search(table, field, value)
	if err != nil {
		return OperationResult{}, err
	}
	return db.deleteRecords(table, found)
}

// DeleteRange removes the records where field lies in [lo, hi].
func (db *DB) DeleteRange(table, field string, lo, hi any) (OperationResult, error) {
	found, err := db.RangeSearch(table, field, lo, hi)
	if err != nil {
		return OperationResult{}, err
	}
	return db.deleteRecords(table, found)
}

// deleteRecords removes each resolved record from the secondaries and
// then the primary, folding the resolution metrics in.
func (db *DB) deleteRecords(table string, found OperationResult) (OperationResult, error) {
	t, err := db.table(table)
	if err != nil {
		return OperationResult{}, err
	}
	total := aggregate()
	total.fold(found)

	deleted := 0
	for _, rec := range found.Data.([]Record) {
		key := rec.Key(t.schema)
		for _, col := range sortedColumns(t) {
			s := t.secondaries[col]
			sres, err := s.index.Delete(rec[col], key)
			if err != nil {
				return OperationResult{}, err
			}
			total.add(breakdownSecondary(col), sres)
		}
		pres, err := t.primary.Delete(key)
		if err != nil {
			return OperationResult{}, err
		}
		total.add(breakdownPrimary, pres)
		if flag, ok := pres.Data.(bool); ok && flag {
			deleted++
		}
	}
	total.Data = deleted
	return total, nil
}

// sortedColumns lists the table's indexed columns in a stable order.
func sortedColumns(t *tableEntry) []string {
	cols := make([]string, 0, len(t.secondaries))
	for col := range t.secondaries {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
