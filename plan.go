// Plan vocabulary.
//
// Plans are the typed boundary between clients (a SQL front end, a
// GUI, a loader) and the catalog. Execute validates each plan against
// the schemas and drives the corresponding catalog operation; clients
// never hold index handles. CreateTable picks the primary key as the
// first column flagged as key, else the first INT column, else the
// first column, and builds any column-level secondaries after the
// table exists.
package quarto

// Plan is one executable statement.
type Plan interface{ isPlan() }

// ColumnDef declares one column of a new table.
type ColumnDef struct {
	Name   string
	Type   FieldType
	Length int       // CHAR width or ARRAY length
	IsKey  bool      // primary key candidate
	Index  IndexKind // optional index on this column
}

// CreateTablePlan creates a table and its declared indexes.
type CreateTablePlan struct {
	Table   string
	Columns []ColumnDef
}

// LoadFromCSVPlan bulk-inserts a CSV file into an existing table.
type LoadFromCSVPlan struct {
	Table string
	Path  string
}

// CreateIndexPlan adds a secondary index populated from the primary.
type CreateIndexPlan struct {
	Table  string
	Column string
	Kind   IndexKind
}

// DropIndexPlan removes a secondary index and its files.
type DropIndexPlan struct {
	Table  string
	Column string
}

// DropTablePlan removes a table, all its indexes and their files.
type DropTablePlan struct {
	Table string
}

// InsertPlan inserts a single record. Nil Columns means the values
// follow the declared field order.
type InsertPlan struct {
	Table   string
	Columns []string
	Values  []any
}

// DeletePlan removes the records matching the predicate.
type DeletePlan struct {
	Table string
	Where Where
}

// SelectPlan returns the rows matching the predicate, projected onto
// Columns (nil means every column).
type SelectPlan struct {
	Table   string
	Columns []string
	Where   Where
}

func (CreateTablePlan) isPlan() {}
func (LoadFromCSVPlan) isPlan() {}
func (CreateIndexPlan) isPlan() {}
func (DropIndexPlan) isPlan()   {}
func (DropTablePlan) isPlan()   {}
func (InsertPlan) isPlan()      {}
func (DeletePlan) isPlan()      {}
func (SelectPlan) isPlan()      {}

// Where is a predicate over one column.
type Where interface{ isWhere() }

// WhereEq matches rows whose column equals Value.
type WhereEq struct {
	Column string
	Value  any
}

// WhereBetween matches rows whose column lies in [Lo, Hi].
type WhereBetween struct {
	Column string
	Lo, Hi any
}

// WhereRadius matches rows whose 2-D point lies within Radius of the
// query point.
type WhereRadius struct {
	Column string
	X, Y   float64
	Radius float64
}

// WhereNearest matches the K rows closest to the query point.
type WhereNearest struct {
	Column string
	X, Y   float64
	K      int
}

func (WhereEq) isWhere()      {}
func (WhereBetween) isWhere() {}
func (WhereRadius) isWhere()  {}
func (WhereNearest) isWhere() {}

// Execute runs one plan against the catalog.
func (db *DB) Execute(p Plan) (OperationResult, error) {
	switch plan := p.(type) {
	case CreateTablePlan:
		return db.executeCreateTable(plan)
	case LoadFromCSVPlan:
		return db.LoadCSV(plan.Table, plan.Path)
	case CreateIndexPlan:
		return db.CreateIndex(plan.Table, plan.Column, plan.Kind, true)
	case DropIndexPlan:
		if err := db.DropIndex(plan.Table, plan.Column); err != nil {
			return OperationResult{}, err
		}
		return OperationResult{Data: true}, nil
	case DropTablePlan:
		if err := db.DropTable(plan.Table); err != nil {
			return OperationResult{}, err
		}
		return OperationResult{Data: true}, nil
	case InsertPlan:
		return db.executeInsert(plan)
	case DeletePlan:
		return db.executeDelete(plan)
	case SelectPlan:
		return db.executeSelect(plan)
	}
	return OperationResult{}, schemaErrf("unknown plan %T", p)
}

// executeCreateTable builds the schema, picks the key column, creates
// the table and then its column-level secondaries.
func (db *DB) executeCreateTable(plan CreateTablePlan) (OperationResult, error) {
	if len(plan.Columns) == 0 {
		return OperationResult{}, schemaErrf("table %s declares no columns", plan.Table)
	}
	schema := &Schema{Table: plan.Table}
	for _, c := range plan.Columns {
		schema.Fields = append(schema.Fields, Field{Name: c.Name, Type: c.Type, Size: c.Length})
	}

	key := -1
	for i, c := range plan.Columns {
		if c.IsKey {
			key = i
			break
		}
	}
	if key < 0 {
		for i, c := range plan.Columns {
			if c.Type == TypeInt {
				key = i
				break
			}
		}
	}
	if key < 0 {
		key = 0
	}
	schema.Key = plan.Columns[key].Name

	primaryKind := plan.Columns[key].Index
	if primaryKind == "" {
		primaryKind = ISAM
	}
	if err := db.CreateTable(schema, primaryKind); err != nil {
		return OperationResult{}, err
	}

	total := aggregate()
	for i, c := range plan.Columns {
		if i == key || c.Index == "" {
			continue
		}
		res, err := db.CreateIndex(plan.Table, c.Name, c.Index, false)
		if err != nil {
			return OperationResult{}, err
		}
		total.fold(res)
	}
	total.Data = true
	return total, nil
}

// executeInsert assembles the record from the plan's column and value
// lists.
func (db *DB) executeInsert(plan InsertPlan) (OperationResult, error) {
	t, err := db.table(plan.Table)
	if err != nil {
		return OperationResult{}, err
	}
	cols := plan.Columns
	if cols == nil {
		for _, f := range t.schema.Fields {
			cols = append(cols, f.Name)
		}
	}
	if len(cols) != len(plan.Values) {
		return OperationResult{}, schemaErrf("insert into %s: %d columns, %d values", plan.Table, len(cols), len(plan.Values))
	}
	rec := Record{}
	for i, col := range cols {
		if _, ok := t.schema.Field(col); !ok {
			return OperationResult{}, schemaErrf("field %s not found in table %s", col, plan.Table)
		}
		rec[col] = plan.Values[i]
	}
	return db.Insert(plan.Table, rec)
}

// executeDelete resolves the predicate to a delete call.
func (db *DB) executeDelete(plan DeletePlan) (OperationResult, error) {
	switch w := plan.Where.(type) {
	case WhereEq:
		return db.Delete(plan.Table, w.Column, w.Value)
	case WhereBetween:
		return db.DeleteRange(plan.Table, w.Column, w.Lo, w.Hi)
	case nil:
		return OperationResult{}, schemaErrf("delete from %s requires a predicate", plan.Table)
	}
	return OperationResult{}, unsupportedErrf("delete does not accept spatial predicates")
}

// executeSelect resolves the predicate to a read call and projects the
// result.
func (db *DB) executeSelect(plan SelectPlan) (OperationResult, error) {
	var res OperationResult
	var err error
	switch w := plan.Where.(type) {
	case nil:
		res, err = db.ScanAll(plan.Table)
	case WhereEq:
		res, err = db.Search(plan.Table, w.Column, w.Value)
	case WhereBetween:
		res, err = db.RangeSearch(plan.Table, w.Column, w.Lo, w.Hi)
	case WhereRadius:
		res, err = db.SearchRadius(plan.Table, w.Column, w.X, w.Y, w.Radius)
	case WhereNearest:
		res, err = db.SearchNearest(plan.Table, w.Column, w.X, w.Y, w.K)
	default:
		return OperationResult{}, unsupportedErrf("unknown predicate %T", plan.Where)
	}
	if err != nil {
		return OperationResult{}, err
	}
	if plan.Columns == nil {
		return res, nil
	}

	t, err := db.table(plan.Table)
	if err != nil {
		return OperationResult{}, err
	}
	for _, col := range plan.Columns {
		if _, ok := t.schema.Field(col); !ok {
			return OperationResult{}, schemaErrf("field %s not found in table %s", col, plan.Table)
		}
	}
	projected := []Record{}
	for _, r := range res.Data.([]Record) {
		row := make(Record, len(plan.Columns))
		for _, col := range plan.Columns {
			row[col] = r[col]
		}
		projected = append(projected, row)
	}
	res.Data = projected
	return res, nil
}
