// CSV ingestion boundary.
//
// LoadCSV bulk-inserts a file into an existing table, best effort:
// rows that fail to cast are counted and skipped, duplicate keys are
// counted as soft failures, and the load never aborts mid-file. The
// delimiter is guessed from the header line (';' wins when at least
// as frequent as ','), column names match case-insensitively with a
// small Spanish-header alias table, and DD/MM/YYYY dates are
// normalised to ISO-8601 here — the core only ever sees clean values.
package quarto

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"strings"
)

// LoadStats is the outcome of one CSV load.
type LoadStats struct {
	Inserted   int
	Duplicates int
	CastErr    int
}

// spanishAliases maps known Spanish CSV headers to physical column
// names.
var spanishAliases = map[string]string{
	"id venta":         "id",
	"nombre producto":  "nombre",
	"cantidad vendida": "cantidad",
	"precio unitario":  "precio",
	"fecha venta":      "fecha",
}

// guessDelimiter picks ';' when it appears at least as often as ','
// in the header line.
func guessDelimiter(header string) rune {
	if strings.Count(header, ";") >= strings.Count(header, ",") {
		return ';'
	}
	return ','
}

// normalizeDate converts DD/MM/YYYY to YYYY-MM-DD, passing ISO-8601
// strings through.
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "-") && len(s) == dateWidth {
		return s
	}
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return s
	}
	dd, mm, yyyy := parts[0], parts[1], parts[2]
	if len(dd) == 1 {
		dd = "0" + dd
	}
	if len(mm) == 1 {
		mm = "0" + mm
	}
	return yyyy + "-" + mm + "-" + dd
}

// defaultFor is the zero value stored when a CSV cell is empty or the
// column is missing.
func defaultFor(f Field) any {
	switch f.Type {
	case TypeInt:
		return int32(0)
	case TypeFloat:
		return float32(0)
	case TypeChar, TypeDate:
		return ""
	case TypeBool:
		return false
	case TypeFloatArray:
		return make([]float32, f.Size)
	}
	return nil
}

// castCell converts one raw CSV cell to the field's value.
func castCell(f Field, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultFor(f), nil
	}
	if f.Type == TypeBool {
		switch strings.ToLower(raw) {
		case "1", "true", "t", "yes", "y", "si", "sí":
			return true, nil
		default:
			return false, nil
		}
	}
	if f.Type == TypeDate {
		raw = normalizeDate(raw)
	}
	return normalize(f, raw)
}

// LoadCSV bulk-inserts the file into the table, reporting inserted,
// duplicate and cast-error counts in the result's Data.
func (db *DB) LoadCSV(table, path string) (OperationResult, error) {
	t, err := db.table(table)
	if err != nil {
		return OperationResult{}, err
	}

	probe, err := os.Open(path)
	if err != nil {
		return OperationResult{}, fmt.Errorf("load csv: %w", err)
	}
	headerLine, _ := bufio.NewReader(probe).ReadString('\n')
	probe.Close()
	delim := guessDelimiter(headerLine)

	f, err := os.Open(path)
	if err != nil {
		return OperationResult{}, fmt.Errorf("load csv: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.Comma = delim
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return OperationResult{Data: LoadStats{}}, nil
	}
	// Column index per physical field name, case-insensitive with the
	// Spanish alias table as fallback.
	colFor := map[string]int{}
	for i, h := range headers {
		hl := strings.ToLower(strings.TrimSpace(h))
		if _, taken := colFor[hl]; !taken {
			colFor[hl] = i
		}
		if phys, ok := spanishAliases[hl]; ok {
			if _, taken := colFor[phys]; !taken {
				colFor[phys] = i
			}
		}
	}

	var stats LoadStats
	total := aggregate()
	for {
		row, err := reader.Read()
		if err != nil {
			break
		}
		rec := Record{}
		ok := true
		for _, field := range t.schema.Fields {
			raw := ""
			if i, found := colFor[strings.ToLower(field.Name)]; found && i < len(row) {
				raw = row[i]
			}
			v, err := castCell(field, raw)
			if err != nil {
				ok = false
				break
			}
			rec[field.Name] = v
		}
		if !ok {
			stats.CastErr++
			continue
		}

		res, err := db.Insert(table, rec)
		if err != nil {
			if _, isEnc := err.(*EncodingError); isEnc {
				stats.CastErr++
				continue
			}
			return OperationResult{}, err
		}
		total.fold(res)
		if flag, isBool := res.Data.(bool); isBool && !flag {
			stats.Duplicates++
		} else {
			stats.Inserted++
		}
	}

	db.log.Infow("csv loaded", "table", table, "path", path,
		"inserted", stats.Inserted, "duplicates", stats.Duplicates, "cast_err", stats.CastErr)
	total.Data = stats
	return total, nil
}
