// Package read implements the foreground read pipeline (spec §4.4):
// per-extent replica pick, the clone/bounce decision, checksum
// verification with the retry-state-machine on mismatch, decrypt and
// decompress, the narrow-crcs opportunistic index rewrite, and read-
// triggered cache promotion by re-entering the write pipeline.
package read
