// Package cache implements the directory-backed media cache. Every entry is a
// single file named after its cache key inside one flat directory; writes
// stream into "<key>.tmp" and are promoted with an atomic rename so a partial
// file is never visible under the final name. The package also owns the
// eviction policy that keeps the directory within a byte bound and a file
// count bound, ranking entries by modification time (oldest first).
package cache
