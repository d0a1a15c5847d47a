// Hash algorithm implementations for the extendible hash index.
//
// Keys are hashed over their canonical UTF-8 string form so that the
// directory slot of a key is stable across runs and key types. Three
// algorithms are supported, selectable via Config.HashAlgorithm.
package quarto

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Hash algorithm constants.
const (
	AlgXXHash3 = 1 // Default, fastest
	AlgFNV1a   = 2 // No external dependencies
	AlgBlake2b = 3 // Best distribution
)

// hashKey maps a key's canonical string form to a 64-bit hash using the
// specified algorithm.
func hashKey(key string, alg int) uint64 {
	switch alg {
	case AlgXXHash3:
		return xxh3.HashString(key)
	case AlgFNV1a:
		h := fnv.New64a()
		h.Write([]byte(key))
		return h.Sum64()
	case AlgBlake2b:
		h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
		h.Write([]byte(key))
		return binary.BigEndian.Uint64(h.Sum(nil))
	default:
		return 0
	}
}
