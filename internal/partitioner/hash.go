// Package partitioner routes keyed records across parallel slots.
package partitioner

import "hash/fnv"

// HashFnv hashes a record key for shuffle routing.
func HashFnv(key string) uint64 {
	h := fnv.New64a()
	// Write on fnv never fails
	h.Write([]byte(key))
	return h.Sum64()
}

// Slot picks the downstream parallel slot for a key. Stable across the
// job's lifetime so a key's state always lives on the same subtask.
func Slot(key string, parallelism int) int {
	if parallelism <= 1 {
		return 0
	}
	return int(HashFnv(key) % uint64(parallelism))
}
