// Package ratelimit wraps golang.org/x/time/rate behind the small
// interface the move engine's admission control needs: a plain delay
// calculation, a blocking wait that also respects an external freeze/stop
// signal, and a way to record consumption that happened without waiting.
package ratelimit
