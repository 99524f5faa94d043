// Package cache holds short-lived copies of remote lookups, such as the
// action catalog, so that hot paths do not hit the remote API per job.
//
// Cache is the storage contract with an in-memory implementation. Keyer
// derives deterministic keys from structured inputs. Loader combines a
// Cache, a Keyer and a Policy with request coalescing: concurrent misses
// for the same key run the load function once.
package cache
