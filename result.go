// Operation results and per-operation I/O accounting.
//
// Every public index method returns an OperationResult carrying the
// page reads, page writes and wall-clock time of that single call. Each
// index owns one tracker; a public method arms it on entry and seals it
// into the result on exit, so counts never leak between operations.
// The catalog sums results from the primary and any touched secondaries
// into one OperationResult whose breakdown preserves the per-index
// decomposition.
package quarto

import "time"

// Metrics is the read/write/time triple of one index's share of an
// operation.
type Metrics struct {
	Reads  int     `json:"reads"`
	Writes int     `json:"writes"`
	TimeMS float64 `json:"time_ms"`
}

// OperationResult is the uniform return value of every index and
// catalog operation.
type OperationResult struct {
	// Data holds the operation's payload: []Record for lookups, []any
	// primary keys for secondary lookups, false plus Message for a
	// duplicate-key soft failure, a count for bulk deletes.
	Data any

	TimeMS float64
	Reads  int
	Writes int

	// RebuildTriggered is set when an insert crossed the sequential
	// file's auxiliary threshold and forced a rebuild.
	RebuildTriggered bool

	// Breakdown preserves per-index metrics on catalog operations that
	// touch more than one index: "primary_metrics" plus one
	// "secondary_metrics_<field>" entry per touched secondary.
	Breakdown map[string]Metrics

	// Message describes soft failures such as duplicate keys.
	Message string
}

// metrics extracts the result's own read/write/time triple.
func (r OperationResult) metrics() Metrics {
	return Metrics{Reads: r.Reads, Writes: r.Writes, TimeMS: r.TimeMS}
}

// tracker accumulates page I/O counts for the operation in flight.
type tracker struct {
	reads  int
	writes int
	start  time.Time
}

// begin resets the counters and starts the clock.
func (t *tracker) begin() {
	t.reads = 0
	t.writes = 0
	t.start = time.Now()
}

// done seals the counters into an OperationResult.
func (t *tracker) done(data any) OperationResult {
	return OperationResult{
		Data:   data,
		TimeMS: float64(time.Since(t.start)) / float64(time.Millisecond),
		Reads:  t.reads,
		Writes: t.writes,
	}
}

// Breakdown labels.
const breakdownPrimary = "primary_metrics"

func breakdownSecondary(column string) string { return "secondary_metrics_" + column }

// aggregate starts an empty catalog-level result with a breakdown.
func aggregate() OperationResult {
	return OperationResult{Breakdown: map[string]Metrics{}}
}

// add folds one index result into a catalog-level result under the
// given breakdown label, accumulating the label's triple when the same
// index is touched more than once.
func (r *OperationResult) add(label string, part OperationResult) {
	r.Reads += part.Reads
	r.Writes += part.Writes
	r.TimeMS += part.TimeMS
	if part.RebuildTriggered {
		r.RebuildTriggered = true
	}
	m := r.Breakdown[label]
	m.Reads += part.Reads
	m.Writes += part.Writes
	m.TimeMS += part.TimeMS
	r.Breakdown[label] = m
}

// fold merges a catalog-level part, preserving its per-index
// breakdown, into this result.
func (r *OperationResult) fold(part OperationResult) {
	r.Reads += part.Reads
	r.Writes += part.Writes
	r.TimeMS += part.TimeMS
	if part.RebuildTriggered {
		r.RebuildTriggered = true
	}
	for label, m := range part.Breakdown {
		acc := r.Breakdown[label]
		acc.Reads += m.Reads
		acc.Writes += m.Writes
		acc.TimeMS += m.TimeMS
		r.Breakdown[label] = acc
	}
}
