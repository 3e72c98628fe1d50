package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/bfscore/pkg/log"
	"github.com/cuemby/bfscore/pkg/move"
	"github.com/cuemby/bfscore/pkg/types"
	"github.com/spf13/cobra"
)

var (
	jobInode    uint64
	jobStart    uint64
	jobEnd      uint64
	jobDevice   int
	jobReplicas int
	jobBudget   uint64
)

var rereplicateCmd = &cobra.Command{
	Use:   "rereplicate",
	Short: "pass over an inode's key range and rewrite extents with too few dirty replicas",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(types.MoveJobRereplicate, move.PredicateMissingReplicas(jobReplicas), -1)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "pass over an inode's key range and move extents off a device",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(types.MoveJobMigrate, move.PredicateOnDevice(jobDevice), jobDevice)
	},
}

func runJob(kind types.MoveJobKind, predicate func(*types.Extent) bool, moveDevice int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	c, err := build(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	start := time.Now()
	stats, err := c.move.Pass(context.Background(), move.PassParams{
		Inode:              jobInode,
		StartPos:           jobStart,
		EndPos:             jobEnd,
		Predicate:          predicate,
		MoveDevice:         moveDevice,
		Replicas:           jobReplicas,
		InFlightByteBudget: jobBudget,
	})
	if err != nil {
		return fmt.Errorf("%s pass: %w", kind, err)
	}

	job := types.JobStats{Kind: kind, MoveStats: stats, Duration: time.Since(start)}
	log.WithComponent("bfscored").Info().
		Str("kind", string(job.Kind)).
		Uint64("keys_moved", job.KeysMoved).
		Uint64("sectors_moved", job.SectorsMoved).
		Uint64("sectors_seen", job.SectorsSeen).
		Uint64("sectors_raced", job.SectorsRaced).
		Dur("duration", job.Duration).
		Msg("move pass complete")

	fmt.Printf("kind=%s keys_moved=%d sectors_moved=%d sectors_seen=%d sectors_raced=%d duration=%s\n",
		job.Kind, job.KeysMoved, job.SectorsMoved, job.SectorsSeen, job.SectorsRaced, job.Duration)
	return nil
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "print the current extent count by tier and compression state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		c, err := build(cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		for tier, byCompression := range c.index.CountExtentsByTier() {
			for compressed, n := range byCompression {
				fmt.Printf("tier=%-8s compressed=%-12s extents=%d\n", tier, compressed, n)
			}
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{rereplicateCmd, migrateCmd} {
		cmd.Flags().Uint64Var(&jobInode, "inode", 0, "inode to pass over (required)")
		cmd.Flags().Uint64Var(&jobStart, "start", 0, "start offset of the key range")
		cmd.Flags().Uint64Var(&jobEnd, "end", ^uint64(0), "end offset of the key range")
		cmd.Flags().IntVar(&jobReplicas, "replicas", 2, "wanted replica count for the rewritten copy")
		cmd.Flags().Uint64Var(&jobBudget, "in-flight-budget", 0, "cap on in-flight bytes during the pass (0 = unbounded)")
		cmd.MarkFlagRequired("inode")
	}
	migrateCmd.Flags().IntVar(&jobDevice, "device", -1, "device id to migrate extents off of (required)")
	migrateCmd.MarkFlagRequired("device")
}
