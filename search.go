// Read routing.
//
// The coordinator picks the cheapest access path for a lookup: the
// primary for key predicates, a secondary plus primary fetches for
// indexed columns, and a full primary scan with an in-memory filter
// otherwise. Capability interfaces decide what each index can serve;
// a range on a hash index or a spatial predicate without an R-tree is
// an UnsupportedOperation. Every result carries the per-index metric
// breakdown.
package quarto

import "sort"

// Search returns the records where field equals value. An empty field
// means the primary key.
func (db *DB) Search(table, field string, value any) (OperationResult, error) {
	t, err := db.table(table)
	if err != nil {
		return OperationResult{}, err
	}
	if field == "" {
		field = t.schema.Key
	}
	f, ok := t.schema.Field(field)
	if !ok {
		return OperationResult{}, schemaErrf("field %s not found in table %s", field, table)
	}
	if !f.comparable() {
		return OperationResult{}, unsupportedErrf("equality search on %s field %s requires a spatial predicate", f.Type, field)
	}
	v, err := normalize(f, value)
	if err != nil {
		return OperationResult{}, err
	}

	if field == t.schema.Key {
		res, err := t.primary.Search(v)
		if err != nil {
			return OperationResult{}, err
		}
		total := aggregate()
		total.add(breakdownPrimary, res)
		total.Data = res.Data
		return total, nil
	}

	if s, exists := t.secondaries[field]; exists {
		if m, ok := s.index.(matcher); ok {
			res, err := m.Search(v)
			if err != nil {
				return OperationResult{}, err
			}
			total := aggregate()
			total.add(breakdownSecondary(field), res)
			records, err := db.fetchByPKs(t, res.Data.([]any), &total)
			if err != nil {
				return OperationResult{}, err
			}
			total.Data = records
			return total, nil
		}
	}

	return db.scanFilter(t, func(r Record) bool {
		return compareKeys(r[field], v) == 0
	}, field, false)
}

// RangeSearch returns the records where field lies in [lo, hi]. An
// empty field means the primary key.
func (db *DB) RangeSearch(table, field string, lo, hi any) (OperationResult, error) {
	t, err := db.table(table)
	if err != nil {
		return OperationResult{}, err
	}
	if field == "" {
		field = t.schema.Key
	}
	f, ok := t.schema.Field(field)
	if !ok {
		return OperationResult{}, schemaErrf("field %s not found in table %s", field, table)
	}
	if !f.comparable() {
		return OperationResult{}, unsupportedErrf("range search on %s field %s is not defined", f.Type, field)
	}
	lov, err := normalize(f, lo)
	if err != nil {
		return OperationResult{}, err
	}
	hiv, err := normalize(f, hi)
	if err != nil {
		return OperationResult{}, err
	}

	if field == t.schema.Key {
		rng, ok := t.primary.(ranger)
		if !ok {
			return OperationResult{}, unsupportedErrf("%s primary does not support range search", t.primaryKind)
		}
		res, err := rng.RangeSearch(lov, hiv)
		if err != nil {
			return OperationResult{}, err
		}
		total := aggregate()
		total.add(breakdownPrimary, res)
		total.Data = res.Data
		return total, nil
	}

	if s, exists := t.secondaries[field]; exists {
		if s.kind == Hash {
			return OperationResult{}, unsupportedErrf("range search is not supported on HASH index %s.%s", table, field)
		}
		if rng, ok := s.index.(ranger); ok {
			res, err := rng.RangeSearch(lov, hiv)
			if err != nil {
				return OperationResult{}, err
			}
			total := aggregate()
			total.add(breakdownSecondary(field), res)
			records, err := db.fetchByPKs(t, res.Data.([]any), &total)
			if err != nil {
				return OperationResult{}, err
			}
			total.Data = records
			return total, nil
		}
	}

	return db.scanFilter(t, func(r Record) bool {
		v := r[field]
		return compareKeys(v, lov) >= 0 && compareKeys(v, hiv) <= 0
	}, field, true)
}

// SearchRadius returns the records whose point on field lies within
// radius of (x, y), nearest first. Requires an R-tree on the field.
func (db *DB) SearchRadius(table, field string, x, y, radius float64) (OperationResult, error) {
	sp, t, err := db.spatialOn(table, field)
	if err != nil {
		return OperationResult{}, err
	}
	res, err := sp.Radius(x, y, radius)
	if err != nil {
		return OperationResult{}, err
	}
	return db.resolveSpatial(t, field, res)
}

// SearchNearest returns the k records closest to (x, y) on field.
// Requires an R-tree on the field.
func (db *DB) SearchNearest(table, field string, x, y float64, k int) (OperationResult, error) {
	sp, t, err := db.spatialOn(table, field)
	if err != nil {
		return OperationResult{}, err
	}
	res, err := sp.Nearest(x, y, k)
	if err != nil {
		return OperationResult{}, err
	}
	return db.resolveSpatial(t, field, res)
}

// ScanAll returns every record of the table through the primary.
func (db *DB) ScanAll(table string) (OperationResult, error) {
	t, err := db.table(table)
	if err != nil {
		return OperationResult{}, err
	}
	res, err := t.primary.ScanAll()
	if err != nil {
		return OperationResult{}, err
	}
	total := aggregate()
	total.add(breakdownPrimary, res)
	total.Data = res.Data
	return total, nil
}

// spatialOn resolves the R-tree secondary on a field.
func (db *DB) spatialOn(table, field string) (spatial, *tableEntry, error) {
	t, err := db.table(table)
	if err != nil {
		return nil, nil, err
	}
	s, exists := t.secondaries[field]
	if !exists {
		return nil, nil, unsupportedErrf("spatial search on %s.%s requires an RTREE index", table, field)
	}
	sp, ok := s.index.(spatial)
	if !ok {
		return nil, nil, unsupportedErrf("index %s on %s.%s does not support spatial search", s.kind, table, field)
	}
	return sp, t, nil
}

// resolveSpatial fetches the records behind a spatial result's primary
// keys, keeping the distance order.
func (db *DB) resolveSpatial(t *tableEntry, field string, res OperationResult) (OperationResult, error) {
	total := aggregate()
	total.add(breakdownSecondary(field), res)
	records, err := db.fetchByPKs(t, res.Data.([]any), &total)
	if err != nil {
		return OperationResult{}, err
	}
	total.Data = records
	return total, nil
}

// fetchByPKs resolves primary keys through the primary index,
// accumulating its metrics into total under the primary label.
func (db *DB) fetchByPKs(t *tableEntry, pks []any, total *OperationResult) ([]Record, error) {
	records := []Record{}
	for _, pk := range pks {
		res, err := t.primary.Search(pk)
		if err != nil {
			return nil, err
		}
		total.add(breakdownPrimary, res)
		records = append(records, res.Data.([]Record)...)
	}
	return records, nil
}

// scanFilter runs a full primary scan and keeps the records matching
// the predicate, sorting by the filter field for range scans.
func (db *DB) scanFilter(t *tableEntry, keep func(Record) bool, field string, ordered bool) (OperationResult, error) {
	res, err := t.primary.ScanAll()
	if err != nil {
		return OperationResult{}, err
	}
	total := aggregate()
	total.add(breakdownPrimary, res)
	matched := []Record{}
	for _, r := range res.Data.([]Record) {
		if keep(r) {
			matched = append(matched, r)
		}
	}
	if ordered {
		sort.Slice(matched, func(i, j int) bool {
			return compareKeys(matched[i][field], matched[j][field]) < 0
		})
	}
	total.Data = matched
	return total, nil
}
