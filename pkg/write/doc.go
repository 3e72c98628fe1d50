// Package write implements the foreground write pipeline (spec §4.3):
// reservation, the chunked encode loop (compress, encrypt, checksum),
// parallel replica submission, and the extent-index update that commits
// the result. The move engine reuses this same pipeline through a
// specialized IndexUpdateFunc rather than duplicating the encode loop.
package write
