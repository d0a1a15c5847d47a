// Sequential file primary index.
//
// Two files: main holds records sorted by key, aux holds unsorted
// recent inserts. Lookups binary-search main and linearly scan aux.
// Deletes tombstone in place via the record's trailing active byte.
// When aux outgrows a threshold that scales with log2 of the main
// size, the file is rebuilt: live records from both files are sorted
// and rewritten to a temporary file that atomically replaces main,
// and aux is truncated. The unit of I/O accounting is one record slot.
package quarto

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// seqFile is a sequential-file primary index over one table.
type seqFile struct {
	schema   *Schema
	mainPath string
	auxPath  string
	main     *os.File
	aux      *os.File
	base     int // threshold floor, Config.SeqThreshold
	track    tracker
}

// newSeqFile opens or creates the main and aux files inside dir. The
// schema must carry the trailing active byte.
func newSeqFile(dir string, schema *Schema, base int) (*seqFile, error) {
	if !schema.Active {
		return nil, schemaErrf("sequential file requires the active tombstone byte on table %s", schema.Table)
	}
	if base <= 0 {
		base = defaultSeqThreshold
	}
	s := &seqFile{
		schema:   schema,
		mainPath: filepath.Join(dir, "main.dat"),
		auxPath:  filepath.Join(dir, "aux.dat"),
		base:     base,
	}
	var err error
	if s.main, err = os.OpenFile(s.mainPath, os.O_RDWR|os.O_CREATE, 0o644); err != nil {
		return nil, fmt.Errorf("sequential: %w", err)
	}
	if s.aux, err = os.OpenFile(s.auxPath, os.O_RDWR|os.O_CREATE, 0o644); err != nil {
		s.main.Close()
		return nil, fmt.Errorf("sequential: %w", err)
	}
	return s, nil
}

// threshold returns the aux size that triggers a rebuild for the
// current main size: log-scale, floored at the configured constant.
func (s *seqFile) threshold(mainCount int) int {
	k := int(math.Ceil(math.Log2(float64(mainCount + 2))))
	if k < s.base {
		k = s.base
	}
	return k
}

// slots returns the record count of a file.
func (s *seqFile) slots(f *os.File) (int, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("sequential: %w", err)
	}
	return int(info.Size()) / s.schema.recordSize(), nil
}

// readSlot reads the record at index i of f, counting one read.
func (s *seqFile) readSlot(f *os.File, i int) (Record, bool, error) {
	s.track.reads++
	size := s.schema.recordSize()
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, int64(i)*int64(size)); err != nil {
		return nil, false, fmt.Errorf("sequential: read slot %d: %w", i, err)
	}
	return unpackRecord(s.schema, buf)
}

// writeSlot writes the record at index i of f, counting one write.
func (s *seqFile) writeSlot(f *os.File, i int, r Record, active bool) error {
	buf, err := packRecord(s.schema, r, active)
	if err != nil {
		return err
	}
	s.track.writes++
	if _, err := f.WriteAt(buf, int64(i)*int64(s.schema.recordSize())); err != nil {
		return fmt.Errorf("sequential: write slot %d: %w", i, err)
	}
	return nil
}

// findMain binary-searches main for key. Returns the slot index and
// whether the stored record is live; slot -1 when absent.
func (s *seqFile) findMain(key any) (int, bool, error) {
	n, err := s.slots(s.main)
	if err != nil {
		return -1, false, err
	}
	lo, hi := 0, n-1
	for lo <= hi {
		mid := (lo + hi) / 2
		rec, active, err := s.readSlot(s.main, mid)
		if err != nil {
			return -1, false, err
		}
		switch c := compareKeys(rec.Key(s.schema), key); {
		case c == 0:
			return mid, active, nil
		case c < 0:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return -1, false, nil
}

// findAux linearly scans aux for a live record with key. Returns the
// slot index, or -1.
func (s *seqFile) findAux(key any) (int, Record, error) {
	n, err := s.slots(s.aux)
	if err != nil {
		return -1, nil, err
	}
	for i := 0; i < n; i++ {
		rec, active, err := s.readSlot(s.aux, i)
		if err != nil {
			return -1, nil, err
		}
		if active && compareKeys(rec.Key(s.schema), key) == 0 {
			return i, rec, nil
		}
	}
	return -1, nil, nil
}

// Insert appends the record to aux after verifying key uniqueness
// against both files. Crossing the aux threshold rebuilds the file and
// flags the result.
func (s *seqFile) Insert(r Record) (OperationResult, error) {
	s.track.begin()
	key := r.Key(s.schema)

	slot, live, err := s.findMain(key)
	if err != nil {
		return OperationResult{}, err
	}
	if slot >= 0 && live {
		res := s.track.done(false)
		res.Message = fmt.Sprintf("duplicate key %v in table %s", key, s.schema.Table)
		return res, nil
	}
	if slot, _, err = s.findAux(key); err != nil {
		return OperationResult{}, err
	}
	if slot >= 0 {
		res := s.track.done(false)
		res.Message = fmt.Sprintf("duplicate key %v in table %s", key, s.schema.Table)
		return res, nil
	}

	auxCount, err := s.slots(s.aux)
	if err != nil {
		return OperationResult{}, err
	}
	if err := s.writeSlot(s.aux, auxCount, r, true); err != nil {
		return OperationResult{}, err
	}
	auxCount++

	mainCount, err := s.slots(s.main)
	if err != nil {
		return OperationResult{}, err
	}
	rebuilt := false
	if auxCount > s.threshold(mainCount) {
		if err := s.rebuild(); err != nil {
			return OperationResult{}, err
		}
		rebuilt = true
	}
	res := s.track.done(true)
	res.RebuildTriggered = rebuilt
	return res, nil
}

// rebuild merges the live records of both files into a sorted main and
// truncates aux. The new main is written to a temporary file and
// renamed over the original.
func (s *seqFile) rebuild() error {
	records, err := s.liveRecords()
	if err != nil {
		return err
	}
	sort.Slice(records, func(i, j int) bool {
		return compareKeys(records[i].Key(s.schema), records[j].Key(s.schema)) < 0
	})

	tmpPath := s.mainPath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("sequential: rebuild: %w", err)
	}
	for i, rec := range records {
		if err := s.writeSlot(tmp, i, rec, true); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sequential: rebuild: %w", err)
	}

	s.main.Close()
	if err := os.Rename(tmpPath, s.mainPath); err != nil {
		return fmt.Errorf("sequential: rebuild: %w", err)
	}
	if s.main, err = os.OpenFile(s.mainPath, os.O_RDWR, 0o644); err != nil {
		return fmt.Errorf("sequential: rebuild: %w", err)
	}
	if err := s.aux.Truncate(0); err != nil {
		return fmt.Errorf("sequential: rebuild: %w", err)
	}
	return nil
}

// liveRecords reads every live record from main then aux.
func (s *seqFile) liveRecords() ([]Record, error) {
	var out []Record
	for _, f := range []*os.File{s.main, s.aux} {
		n, err := s.slots(f)
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			rec, active, err := s.readSlot(f, i)
			if err != nil {
				return nil, err
			}
			if active {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

// Search returns the live record with the given key, or an empty slice.
func (s *seqFile) Search(key any) (OperationResult, error) {
	s.track.begin()
	slot, live, err := s.findMain(key)
	if err != nil {
		return OperationResult{}, err
	}
	if slot >= 0 && live {
		rec, _, err := s.readSlot(s.main, slot)
		if err != nil {
			return OperationResult{}, err
		}
		return s.track.done([]Record{rec}), nil
	}
	if _, rec, err := s.findAux(key); err != nil {
		return OperationResult{}, err
	} else if rec != nil {
		return s.track.done([]Record{rec}), nil
	}
	return s.track.done([]Record{}), nil
}

// RangeSearch returns the live records with keys in [lo, hi] in
// ascending key order.
func (s *seqFile) RangeSearch(lo, hi any) (OperationResult, error) {
	s.track.begin()
	var out []Record
	if compareKeys(lo, hi) > 0 {
		return s.track.done(out), nil
	}

	// Lower bound in main, then walk forward.
	n, err := s.slots(s.main)
	if err != nil {
		return OperationResult{}, err
	}
	left, right := 0, n
	for left < right {
		mid := (left + right) / 2
		rec, _, err := s.readSlot(s.main, mid)
		if err != nil {
			return OperationResult{}, err
		}
		if compareKeys(rec.Key(s.schema), lo) < 0 {
			left = mid + 1
		} else {
			right = mid
		}
	}
	for i := left; i < n; i++ {
		rec, active, err := s.readSlot(s.main, i)
		if err != nil {
			return OperationResult{}, err
		}
		if compareKeys(rec.Key(s.schema), hi) > 0 {
			break
		}
		if active {
			out = append(out, rec)
		}
	}

	// Filter aux, then sort the union.
	auxCount, err := s.slots(s.aux)
	if err != nil {
		return OperationResult{}, err
	}
	for i := 0; i < auxCount; i++ {
		rec, active, err := s.readSlot(s.aux, i)
		if err != nil {
			return OperationResult{}, err
		}
		if !active {
			continue
		}
		k := rec.Key(s.schema)
		if compareKeys(k, lo) >= 0 && compareKeys(k, hi) <= 0 {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return compareKeys(out[i].Key(s.schema), out[j].Key(s.schema)) < 0
	})
	return s.track.done(out), nil
}

// Delete tombstones the live record with the given key. Data is false
// when no live record matches.
func (s *seqFile) Delete(key any) (OperationResult, error) {
	s.track.begin()
	slot, live, err := s.findMain(key)
	if err != nil {
		return OperationResult{}, err
	}
	if slot >= 0 && live {
		rec, _, err := s.readSlot(s.main, slot)
		if err != nil {
			return OperationResult{}, err
		}
		if err := s.writeSlot(s.main, slot, rec, false); err != nil {
			return OperationResult{}, err
		}
		return s.track.done(true), nil
	}
	auxSlot, rec, err := s.findAux(key)
	if err != nil {
		return OperationResult{}, err
	}
	if auxSlot >= 0 {
		if err := s.writeSlot(s.aux, auxSlot, rec, false); err != nil {
			return OperationResult{}, err
		}
		return s.track.done(true), nil
	}
	res := s.track.done(false)
	res.Message = fmt.Sprintf("key %v not found in table %s", key, s.schema.Table)
	return res, nil
}

// ScanAll returns every live record, main first then aux.
func (s *seqFile) ScanAll() (OperationResult, error) {
	s.track.begin()
	records, err := s.liveRecords()
	if err != nil {
		return OperationResult{}, err
	}
	if records == nil {
		records = []Record{}
	}
	return s.track.done(records), nil
}

// Close releases both file handles.
func (s *seqFile) Close() error {
	err1 := s.main.Close()
	err2 := s.aux.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Remove closes the index and deletes its backing files.
func (s *seqFile) Remove() error {
	s.Close()
	for _, p := range []string{s.mainPath, s.auxPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
