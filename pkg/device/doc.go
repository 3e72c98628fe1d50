// Package device models the data path's backing stores: a Registry of
// Devices, each tracking in-flight I/O, a latency EWMA, consecutive
// failures, a dying flag, and a generation counter used to detect stale
// cached pointers. Bio is the reference-counted I/O unit the write
// pipeline clones across replica submissions.
package device
