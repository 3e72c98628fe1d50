// Package index implements the extent index: the external ordered
// key/value collaborator the write, read, and move pipelines all consult
// and mutate (spec's on-disk B-tree node storage itself is out of scope —
// this package exposes only the iterator, insert, delete, and
// compare-and-exchange contract the data path needs against it).
//
// Extents are sharded by inode across a fixed number of independently
// locked in-memory B-trees (google/btree), each mirrored to a BoltDB
// bucket for crash durability, the way pkg/storage mirrors warren's
// cluster state to BoltDB buckets keyed by entity ID.
package index
