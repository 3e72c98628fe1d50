package main

import (
	"encoding/hex"
	"fmt"

	"github.com/cuemby/bfscore/pkg/alloc"
	"github.com/cuemby/bfscore/pkg/bounce"
	"github.com/cuemby/bfscore/pkg/codec"
	"github.com/cuemby/bfscore/pkg/config"
	"github.com/cuemby/bfscore/pkg/device"
	"github.com/cuemby/bfscore/pkg/index"
	"github.com/cuemby/bfscore/pkg/journal"
	"github.com/cuemby/bfscore/pkg/move"
	"github.com/cuemby/bfscore/pkg/ratelimit"
	"github.com/cuemby/bfscore/pkg/read"
	"github.com/cuemby/bfscore/pkg/types"
	"github.com/cuemby/bfscore/pkg/write"
)

// components bundles every data-path collaborator built from a config.Config,
// the same staged construction order cmd/warren/main.go uses to wire a
// manager: registry first, then the things that consult it, then the
// pipelines layered on top.
type components struct {
	registry *device.Registry
	alloc    *alloc.Allocator
	index    *index.Index
	journal  *journal.Journal
	bounce   *bounce.Pool
	codec    *codec.Codec

	write *write.Pipeline
	read  *read.Pipeline
	move  *move.Pipeline

	rateLimiter *ratelimit.Limiter
}

// build wires a components from cfg, opening one FileBackend per
// configured device and a BoltDB-backed index/journal on disk.
func build(cfg *config.Config) (*components, error) {
	registry := device.NewRegistry()
	for _, dc := range cfg.Devices {
		backend, err := device.OpenFileBackend(dc.Path)
		if err != nil {
			return nil, fmt.Errorf("open device %d (%s): %w", dc.ID, dc.Path, err)
		}
		registry.Add(device.New(dc.ID, dc.Tier, backend, uint64(dc.Generation)))
	}

	tierOf := func(deviceID int) (types.Tier, bool) {
		d, ok := registry.Get(deviceID)
		if !ok {
			return "", false
		}
		return d.Tier, true
	}

	idx, err := index.Open(cfg.IndexPath, 16, tierOf)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	j, err := journal.Open(cfg.JournalPath, 0)
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}

	pool := bounce.New(cfg.EncodedExtentMax, 8, 32)

	var key []byte
	if cfg.Codec.EncryptionKeyHex != "" {
		key, err = hex.DecodeString(cfg.Codec.EncryptionKeyHex)
		if err != nil {
			j.Close()
			idx.Close()
			return nil, fmt.Errorf("decode encryption key: %w", err)
		}
	}
	cdc, err := codec.New(key)
	if err != nil {
		j.Close()
		idx.Close()
		return nil, fmt.Errorf("build codec: %w", err)
	}

	a := alloc.New(registry, 0)

	wp, err := write.New(write.Config{
		Registry:   registry,
		Alloc:      a,
		Index:      idx,
		Journal:    j,
		Bounce:     pool,
		Codec:      cdc,
		ChunkBytes: cfg.EncodedExtentMax / 2,
	})
	if err != nil {
		j.Close()
		idx.Close()
		return nil, fmt.Errorf("build write pipeline: %w", err)
	}

	rp, err := read.New(read.Config{
		Registry: registry,
		Index:    idx,
		Bounce:   pool,
		Codec:    cdc,
		Write:    wp,
	})
	if err != nil {
		j.Close()
		idx.Close()
		return nil, fmt.Errorf("build read pipeline: %w", err)
	}

	limiter := ratelimit.New(cfg.Move.RateLimitSectorsPerSec, cfg.Move.RateLimitSectorsPerSec)

	mp, err := move.New(move.Config{
		Index:       idx,
		Read:        rp,
		Write:       wp,
		RateLimiter: limiter,
	})
	if err != nil {
		j.Close()
		idx.Close()
		return nil, fmt.Errorf("build move pipeline: %w", err)
	}

	return &components{
		registry:    registry,
		alloc:       a,
		index:       idx,
		journal:     j,
		bounce:      pool,
		codec:       cdc,
		write:       wp,
		read:        rp,
		move:        mp,
		rateLimiter: limiter,
	}, nil
}

// Close releases everything build opened, in reverse order.
func (c *components) Close() {
	if c.rateLimiter != nil {
		c.rateLimiter.Stop()
	}
	if c.journal != nil {
		c.journal.Close()
	}
	if c.index != nil {
		c.index.Close()
	}
	if c.registry != nil {
		for _, d := range c.registry.All() {
			d.Backend.Close()
		}
	}
}
