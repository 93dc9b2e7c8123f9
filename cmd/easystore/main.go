// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

// Command easystore runs the DES packer and its maintenance tools.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/datavision-labs/easystore/pkg/des"
	"github.com/datavision-labs/easystore/pkg/metadb"
	"github.com/datavision-labs/easystore/pkg/objectstore"
	"github.com/datavision-labs/easystore/pkg/packer"
	"github.com/datavision-labs/easystore/pkg/shard"
	"github.com/datavision-labs/easystore/pkg/source"
)

var (
	rootCmd = &cobra.Command{
		Use:   "easystore",
		Short: "Datavision Easy Store packer and tools",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the multi-shard packer",
		RunE:  cmdRun,
	}

	recoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "Run one crash-recovery sweep and exit",
		RunE:  cmdRecover,
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect <container.des>",
		Short: "Print footer, stats, and index of a local container",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdInspect,
	}

	flags struct {
		metaDriver string
		metaDSN    string
		sourcesCfg string

		endpoint  string
		accessKey string
		secretKey string
		useSSL    bool

		workdir       string
		archiveBucket string
		archivePrefix string
		shardBits     uint
		podOrdinal    int
		podCount      int
		namePrefix    string
		nodeID        uint8

		leaseTTL  time.Duration
		maxBytes  int64
		maxFiles  int
		staleAge  time.Duration
		sweepRate time.Duration
	}
)

func init() {
	for _, cmd := range []*cobra.Command{runCmd, recoverCmd} {
		cmd.Flags().StringVar(&flags.metaDriver, "meta-driver", "postgres", "metadata database driver (postgres, sqlite3)")
		cmd.Flags().StringVar(&flags.metaDSN, "meta-dsn", "", "metadata database connection string")
		cmd.Flags().StringVar(&flags.sourcesCfg, "sources", "sources.yaml", "source database descriptor file")
		cmd.Flags().StringVar(&flags.endpoint, "s3-endpoint", "", "object store endpoint")
		cmd.Flags().StringVar(&flags.accessKey, "s3-access-key", os.Getenv("DES_S3_ACCESS_KEY"), "object store access key")
		cmd.Flags().StringVar(&flags.secretKey, "s3-secret-key", os.Getenv("DES_S3_SECRET_KEY"), "object store secret key")
		cmd.Flags().BoolVar(&flags.useSSL, "s3-ssl", true, "use TLS for the object store")
		cmd.Flags().StringVar(&flags.archiveBucket, "archive-bucket", "", "archive bucket")
		cmd.Flags().StringVar(&flags.archivePrefix, "archive-prefix", "", "archive key prefix")
		cmd.Flags().UintVar(&flags.shardBits, "shard-bits", 8, "width of the shard space")
		cmd.Flags().DurationVar(&flags.staleAge, "stale-age", 15*time.Minute, "age before non-committed containers are reconciled")
	}

	runCmd.Flags().StringVar(&flags.workdir, "workdir", "/var/lib/easystore", "directory for in-progress containers")
	runCmd.Flags().IntVar(&flags.podOrdinal, "pod-ordinal", 0, "this worker's ordinal")
	runCmd.Flags().IntVar(&flags.podCount, "pod-count", 1, "total workers")
	runCmd.Flags().StringVar(&flags.namePrefix, "name-prefix", "DES", "generated name prefix")
	runCmd.Flags().Uint8Var(&flags.nodeID, "node-id", 0, "name generator node id")
	runCmd.Flags().DurationVar(&flags.leaseTTL, "lease-ttl", time.Minute, "shard lease time-to-live")
	runCmd.Flags().Int64Var(&flags.maxBytes, "max-container-bytes", 1<<30, "container byte-size rollover trigger")
	runCmd.Flags().IntVar(&flags.maxFiles, "max-container-files", 100000, "container file-count rollover trigger")
	runCmd.Flags().DurationVar(&flags.sweepRate, "sweep-interval", 5*time.Minute, "periodic recovery sweep interval")

	rootCmd.AddCommand(runCmd, recoverCmd, inspectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(ctx context.Context, log *zap.Logger) (*metadb.DB, *source.Provider, objectstore.Client, error) {
	db, err := metadb.Open(ctx, log.Named("metadb"), flags.metaDriver, flags.metaDSN)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.CreateTables(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}

	objects, err := objectstore.NewMinio(objectstore.Config{
		Endpoint:  flags.endpoint,
		AccessKey: flags.accessKey,
		SecretKey: flags.secretKey,
		UseSSL:    flags.useSSL,
	})
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}

	sources, err := source.LoadConfig(flags.sourcesCfg)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	provider, err := source.NewProvider(ctx, log.Named("source"), sources.Enabled(), objects, fmt.Sprintf("pod-%d", flags.podOrdinal))
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	return db, provider, objects, nil
}

func cmdRun(cmd *cobra.Command, args []string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, provider, objects, err := setup(ctx, log)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	defer func() { _ = provider.Close() }()

	recovery := packer.NewRecovery(log.Named("recovery"), db, provider, objects, packer.RecoveryConfig{
		StaleAge: flags.staleAge,
		Interval: flags.sweepRate,
	})
	external := objectstore.NewBigFiles(objects, flags.archiveBucket, flags.archivePrefix)

	p, err := packer.New(log.Named("packer"), db, provider, objects, external, recovery, nil, packer.Config{
		Workdir:              flags.workdir,
		ArchiveBucket:        flags.archiveBucket,
		ArchivePrefix:        flags.archivePrefix,
		ShardBits:            flags.shardBits,
		LeaseTTL:             flags.leaseTTL,
		MaxContainerBytes:    flags.maxBytes,
		MaxFilesPerContainer: flags.maxFiles,
		NamePrefix:           flags.namePrefix,
		NodeID:               flags.nodeID,
	})
	if err != nil {
		return err
	}

	assignment, err := shard.Assign(flags.podOrdinal, flags.podCount, flags.shardBits)
	if err != nil {
		return err
	}
	return p.Run(ctx, assignment)
}

func cmdRecover(cmd *cobra.Command, args []string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, provider, objects, err := setup(ctx, log)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	defer func() { _ = provider.Close() }()

	recovery := packer.NewRecovery(log.Named("recovery"), db, provider, objects, packer.RecoveryConfig{
		StaleAge: flags.staleAge,
	})
	stats, err := recovery.SweepOnce(ctx)
	if err != nil {
		return err
	}
	log.Info("sweep finished",
		zap.Int64("leases_released", stats.LeasesReleased),
		zap.Int("containers_salvaged", stats.ContainersSalvaged),
		zap.Int("containers_abandoned", stats.ContainersAbandoned),
		zap.Int64("claims_reset", stats.ClaimsReset),
		zap.Int64("claims_completed", stats.ClaimsCompleted))
	return nil
}

func cmdInspect(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	reader, err := des.Open(args[0], des.ReaderOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	footer := reader.Footer()
	fmt.Printf("version:      %d\n", footer.Version)
	fmt.Printf("file count:   %d\n", footer.FileCount)
	fmt.Printf("data length:  %d\n", footer.DataLength)
	fmt.Printf("meta length:  %d\n", footer.MetaLength)
	fmt.Printf("index length: %d\n", footer.IndexLength)
	fmt.Printf("total size:   %d\n", footer.ContainerSize())

	entries, err := reader.Index(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		meta, err := reader.GetMeta(ctx, entry.Name)
		if err != nil {
			return err
		}
		encoded, _ := json.Marshal(meta)
		kind := "inline"
		if entry.External() {
			kind = "external"
		}
		fmt.Printf("%-8s %12d  %s  %s\n", kind, entry.DataLength, entry.Name, encoded)
	}
	return nil
}
