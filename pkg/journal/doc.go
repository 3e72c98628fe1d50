// Package journal provides the write pipeline's durability primitive: an
// append-only, monotonically sequence-numbered log of pending index
// mutations, plus an async wait contract so a flush can report once a given
// sequence number is durable without blocking the caller that issued it.
package journal
