// Copyright (C) 2025 The txretry Authors.
// See LICENSE for copying information.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/cfgstruct"
	"storj.io/common/errs2"
	"storj.io/common/fpath"
	"storj.io/common/process"
	"storj.io/common/sync2"

	"github.com/txkit/txretry"
	"github.com/txkit/txretry/innodbstatus"
	"github.com/txkit/txretry/mysqlerr"
	"github.com/txkit/txretry/pgerr"
	"github.com/txkit/txretry/txsql"

	_ "github.com/go-sql-driver/mysql" // mysql adapter
	_ "github.com/jackc/pgx/v5/stdlib" // pgx adapter
)

var (
	rootCmd = &cobra.Command{
		Use:   "txretry",
		Short: "Transaction retry and lock contention inspection tool",
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	probeCmd = &cobra.Command{
		Use:   "probe",
		Short: "Report which engine status command the server supports",
		RunE:  cmdProbe,
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Log one engine status dump",
		RunE:  cmdStatus,
	}
	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Log engine status dumps periodically",
		RunE:  cmdWatch,
	}
	stressCmd = &cobra.Command{
		Use:   "stress",
		Short: "Force lock contention against a scratch table and report retry behavior",
		RunE:  cmdStress,
	}
	confDir string

	setupCfg  Config
	probeCfg  Config
	statusCfg Config
	watchCfg  Config
	stressCfg Config
)

// Config collects the flags shared by the txretry subcommands.
type Config struct {
	Database        string        `help:"data source name of the database to inspect" default:""`
	Adapter         string        `help:"database driver to open the connection with" default:"mysql"`
	MaxConns        int           `help:"maximum open database connections" default:"25"`
	MaxIdleConns    int           `help:"maximum idle database connections" default:"10"`
	ConnMaxLifetime time.Duration `help:"maximum lifetime of a database connection" default:"30m"`
	Processlist     bool          `help:"also log the server processlist with the status dump" default:"false"`

	Retry  txretry.Config
	Watch  WatchConfig
	Stress StressConfig
}

// WatchConfig configures the watch subcommand.
type WatchConfig struct {
	Interval time.Duration `help:"how often to dump engine status" default:"30s"`
}

// StressConfig configures the stress subcommand.
type StressConfig struct {
	Workers int    `help:"concurrent stress workers" default:"8"`
	Rounds  int    `help:"transactions per stress worker" default:"50"`
	Table   string `help:"scratch table the stress workers fight over" default:"txretry_stress"`
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("txretry configuration already exists (%v)", setupDir)
	}

	err = os.MkdirAll(setupDir, 0700)
	if err != nil {
		return err
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

func cmdProbe(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := openDB(ctx, probeCfg)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	version, err := db.SelectValue(ctx, "SELECT VERSION()")
	if err != nil {
		return errs.New("error querying server version: %+v", err)
	}

	monitor := innodbstatus.NewMonitor(log, db)
	monitor.Resolve(ctx)

	fmt.Println("server version:", version)
	if command, ok := monitor.Command(); ok {
		fmt.Println("status command:", command)
	} else {
		fmt.Println("status command: unavailable")
	}
	return nil
}

func cmdStatus(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := openDB(ctx, statusCfg)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	monitor := innodbstatus.NewMonitor(log, db)
	monitor.Resolve(ctx)
	if _, ok := monitor.Command(); !ok {
		return errs.New("engine status dumps are not available for this database")
	}
	monitor.LogStatus(ctx)

	if statusCfg.Processlist {
		rows, err := db.SelectRows(ctx, "SHOW FULL PROCESSLIST")
		if err != nil {
			return errs.New("error reading processlist: %+v", err)
		}
		for _, row := range rows {
			log.Info("process",
				zap.String("id", row["Id"]),
				zap.String("user", row["User"]),
				zap.String("command", row["Command"]),
				zap.String("time", row["Time"]),
				zap.String("state", row["State"]),
				zap.String("info", row["Info"]))
		}
	}
	return nil
}

func cmdWatch(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := openDB(ctx, watchCfg)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	monitor := innodbstatus.NewMonitor(log, db)
	monitor.Resolve(ctx)
	if _, ok := monitor.Command(); !ok {
		return errs.New("engine status dumps are not available for this database")
	}

	log.Info("watching engine status", zap.Duration("interval", watchCfg.Watch.Interval))
	cycle := sync2.NewCycle(watchCfg.Watch.Interval)
	err = cycle.Run(ctx, func(ctx context.Context) error {
		monitor.LogStatus(ctx)
		return nil
	})
	if errs2.IsCanceled(err) {
		return nil
	}
	return err
}

func cmdStress(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := openDB(ctx, stressCfg)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	return runStress(ctx, log, db, stressCfg)
}

func openDB(ctx context.Context, config Config) (txsql.DB, error) {
	if config.Database == "" {
		return nil, errs.New("database DSN is required, set --database")
	}
	db, err := txsql.Open(ctx, config.Adapter, config.Database)
	if err != nil {
		return nil, errs.New("error opening database: %+v", err)
	}
	txsql.SetConnLimits(db, config.MaxConns, config.MaxIdleConns, config.ConnMaxLifetime)
	txsql.Monitor(db, "txretry")
	return db, nil
}

func classifierFor(adapter string) txretry.Classifier {
	switch adapter {
	case "mysql":
		return mysqlerr.Default()
	case "pgx":
		return pgerr.Classifier{}
	default:
		return txretry.DefaultMessages
	}
}

func init() {
	defaultConfDir := fpath.ApplicationDir("txretry")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for txretry configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(stressCmd)
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
	process.Bind(probeCmd, &probeCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(statusCmd, &statusCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(watchCmd, &watchCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(stressCmd, &stressCfg, defaults, cfgstruct.ConfDir(confDir))
}

func main() {
	logger, _, _ := process.NewLogger("txretry")
	zap.ReplaceGlobals(logger)

	process.Exec(rootCmd)
}
