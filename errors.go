// Package quarto provides a paged relational storage engine with
// interchangeable index structures.
//
// Tables are stored on disk in fixed-size pages and reached through a
// primary index (sequential file, ISAM or clustered B+-tree) plus any
// number of secondary indexes (unclustered B+-tree, extendible hash,
// R-tree). A catalog owns every index handle, routes queries to the
// cheapest access path and reports page reads, page writes and elapsed
// time for every operation.
package quarto

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by database operations.
var (
	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("database is closed")

	// ErrCorruptMeta is returned when an index meta page cannot be parsed.
	ErrCorruptMeta = errors.New("corrupt meta page")

	// ErrCorruptSidecar is returned when a sidecar file cannot be parsed.
	ErrCorruptSidecar = errors.New("corrupt sidecar")

	// ErrDecompress is returned when a compressed sidecar payload cannot
	// be restored.
	ErrDecompress = errors.New("decompress failed")
)

// SchemaError reports a request that contradicts the catalog: an unknown
// table or column, an index kind incompatible with a column type, or an
// attempt to drop the primary index.
type SchemaError struct {
	Msg string
}

func (e *SchemaError) Error() string { return "schema: " + e.Msg }

func schemaErrf(format string, args ...any) error {
	return &SchemaError{Msg: fmt.Sprintf(format, args...)}
}

// EncodingError reports a value that cannot be represented in its
// declared field type.
type EncodingError struct {
	Field string
	Msg   string
}

func (e *EncodingError) Error() string {
	if e.Field == "" {
		return "encoding: " + e.Msg
	}
	return "encoding " + e.Field + ": " + e.Msg
}

func encodingErrf(field, format string, args ...any) error {
	return &EncodingError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// UnsupportedOperation reports an operation an index cannot serve, such
// as a range scan on a hash index or a spatial predicate without an
// R-tree.
type UnsupportedOperation struct {
	Msg string
}

func (e *UnsupportedOperation) Error() string { return "unsupported: " + e.Msg }

func unsupportedErrf(format string, args ...any) error {
	return &UnsupportedOperation{Msg: fmt.Sprintf(format, args...)}
}
