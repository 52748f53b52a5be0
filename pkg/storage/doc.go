/*
Package storage provides the persistent key/value store behind Paddock's
cache, job queue and distributed locks.

The Store interface is deliberately narrow: string keys with TTL, atomic
set-if-absent for locks, prefix scans, plain sets for queue membership, and
sorted sets for the completed-jobs index. Three implementations exist:

  - RedisStore: the primary backend against a Redis-compatible endpoint
  - MemoryStore: an in-process fallback with identical semantics but no
    durability, selected automatically when Redis is unreachable at
    startup and fallback is enabled
  - BoltStore: a bbolt-backed local file for single-node deployments that
    want durability without an external endpoint

# Key Layout

Namespace prefixes never overlap:

	cache:instance:<instanceId>   JSON instance records
	cache:product:<name>:<region> product snapshots with TTL
	cache:template:<templateId>   template snapshots with TTL
	migration-times:<upstreamId>  unix-ms of last successful migration
	jobs:<jobId>                  job records
	jobs:pending / jobs:processing / jobs:failed   membership sets
	jobs:completed                sorted set scored by completion time
	sync:lock                     setIfAbsent lease for startup sync

# Type Defense

Because sets and sorted sets share the keyspace with string records, every
operation reports ErrWrongType when a key holds an unexpected kind. Callers
that walk prefixes (the cache cleanup paths in particular) skip such keys
with a warning instead of failing the walk.

# Fallback

Open selects the backend from configuration. When Redis cannot be reached
and STORE_ENABLE_FALLBACK is set, the process continues on MemoryStore and
the health endpoint reports the store as degraded.
*/
package storage
