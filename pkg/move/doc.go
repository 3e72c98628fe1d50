// Package move implements the move engine (spec §4.5): a pass over a key
// range that rewrites selected extents — rereplicating missing dirty
// pointers, migrating extents off a device, or moving them between
// storage tiers — via a nodecode read, a data_encoded write, and a
// compare-and-swap splice of the index entry the write landed on.
package move
