// Package cache defines the generation-partitioned response store shared by
// every worker version. A Store maps (generation, Identity) to an immutable
// StoredResponse; generations are named buckets that the generation manager
// creates implicitly on first write and removes wholesale on activation or
// flush. Two backends are provided: a filesystem layout rooted at StoragePath
// (temp file + rename per entry) and a single-file SQLite database. Misses are
// reported as ok=false, never as errors, so callers can treat the store as a
// best-effort accelerator rather than a source of failures.
package cache
