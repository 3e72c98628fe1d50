/*
Package types defines the core data structures shared by the data path:
extents, replica pointers, CRC descriptors, and the transient write/read/
move operation objects that flow through pkg/write, pkg/read, and pkg/move.

# Core types

Extent: a contiguous logical byte range of an inode, mapped to one or more
device-resident pointers, carrying a monotonically-increasing version and a
CRC descriptor.

Pointer: a (device, device_offset) pair, optionally cached (best-effort,
evictable, not counted against replication quota).

WriteOp / ReadOp: transient per-request state threaded through the write and
read pipelines. Neither owns the extents it produces or reads — the extent
index (pkg/index) owns extent keys; these hold only snapshots.

MoveStats / JobStats: accounting for one move-engine pass. pkg/move's
Pipeline.Pass returns MoveStats; cmd/bfscored wraps it in JobStats.

See the error sentinels in errors.go for the taxonomy in spec §7.
*/
package types
