// Compressed sidecar persistence.
//
// The unclustered B+-tree and the R-tree keep an auxiliary structure
// next to their page files: the value-to-primary-key buckets and the
// id-to-point mapping. Both persist as Zstd-compressed JSON written to
// a temporary file and renamed over the original, so a torn write
// leaves the previous sidecar intact.
package quarto

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

// Shared encoder/decoder — both are documented as safe for concurrent
// use, and construction is expensive enough to amortise across calls.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func compress(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, nil)
}

func decompress(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %w", ErrDecompress, err)
	}
	return out, nil
}

// saveSidecar marshals v, compresses it and atomically replaces path.
func saveSidecar(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sidecar %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compress(data), 0o644); err != nil {
		return fmt.Errorf("sidecar %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("sidecar %s: %w", path, err)
	}
	return nil
}

// loadSidecar reads path into v. A missing file leaves v untouched.
func loadSidecar(path string, v any) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sidecar %s: %w", path, err)
	}
	data, err := decompress(raw)
	if err != nil {
		return fmt.Errorf("sidecar %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptSidecar, path, err)
	}
	return nil
}
