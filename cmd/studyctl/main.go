// Package main 是运维命令行：独立 worker、周期任务以及 data-mover 主机上的目录维护。
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

	"study-lifecycle-go/internal/bootstrap"
	"study-lifecycle-go/internal/config"
	"study-lifecycle-go/internal/repository"
	"study-lifecycle-go/pkg/database"
	"study-lifecycle-go/pkg/log"
	"study-lifecycle-go/pkg/tasks"
)

var (
	rootCmd = &cobra.Command{
		Use:           "studyctl",
		Short:         "Study lifecycle operations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Consume job messages for the given worker pools",
		RunE:  cmdWorker,
	}
	schedulerCmd = &cobra.Command{
		Use:   "scheduler",
		Short: "Periodically submit revision sweeps, index sync and heartbeats",
		RunE:  cmdScheduler,
	}
	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Retry or fail revisions that never finished mirroring",
		RunE:  cmdSweep,
	}
	syncIndexCmd = &cobra.Command{
		Use:   "sync-index",
		Short: "Reconcile the search index with the registry",
		RunE:  cmdSyncIndex,
	}
	reindexAllCmd = &cobra.Command{
		Use:   "reindex-all",
		Short: "Submit a reindex job for every study",
		RunE:  cmdReindexAll,
	}
	maintainCmd = &cobra.Command{
		Use:   "maintain <study-id>",
		Short: "Plan or run folder maintenance for one study on this host",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdMaintain,
	}
	deleteFoldersCmd = &cobra.Command{
		Use:   "delete-folders <study-id>",
		Short: "Move every folder of a study into the recycle bin",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdDeleteFolders,
	}
	purgeRecycleCmd = &cobra.Command{
		Use:   "purge-recycle [study-id]",
		Short: "Permanently remove recycle-bin batches older than --older-than",
		Args:  cobra.MaximumNArgs(1),
		RunE:  cmdPurgeRecycle,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or update database tables",
		RunE:  cmdMigrate,
	}

	flags struct {
		ConfigPath string
		Pools      []string
		Plan       bool
		Force      bool
		OlderThan  time.Duration
	}
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "./configs/config.yaml", "path to the YAML config file")
	workerCmd.Flags().StringSliceVar(&flags.Pools, "pools", []string{"common", "data-mover", "monitor"}, "worker pools to consume")
	maintainCmd.Flags().BoolVar(&flags.Plan, "plan", false, "only print the planned actions")
	maintainCmd.Flags().BoolVar(&flags.Force, "force", false, "recreate links and permissions even when they look correct")
	purgeRecycleCmd.Flags().DurationVar(&flags.OlderThan, "older-than", 30*24*time.Hour, "minimum age of a recycle-bin batch")

	rootCmd.AddCommand(workerCmd, schedulerCmd, sweepCmd, syncIndexCmd, reindexAllCmd, maintainCmd, deleteFoldersCmd,
		purgeRecycleCmd, migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig 读取配置并初始化日志。
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return cfg, err
	}
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	return cfg, nil
}

// withApp 装配应用并在收到 SIGINT/SIGTERM 时取消 ctx。
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *bootstrap.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{})
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdWorker(cmd *cobra.Command, args []string) error {
	pools := make([]tasks.Pool, 0, len(flags.Pools))
	for _, name := range flags.Pools {
		pool, ok := tasks.ParsePool(name)
		if !ok {
			return fmt.Errorf("unknown worker pool %q", name)
		}
		pools = append(pools, pool)
	}
	return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
		return app.RunWorkers(ctx, pools...)
	})
}

func cmdScheduler(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
		return app.RunSchedulers(ctx)
	})
}

func cmdSweep(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
		report, err := app.Orchestrator.CheckStaleRevisions(ctx)
		if err != nil {
			return err
		}
		return printJSON(report)
	})
}

func cmdSyncIndex(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
		report, err := app.Orchestrator.Search.SyncIndexesWithRegistry(ctx)
		if err != nil {
			return err
		}
		return printJSON(report)
	})
}

func cmdReindexAll(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
		ids, err := app.Orchestrator.Search.ReindexAll(ctx)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"submitted": len(ids), "taskIds": ids})
	})
}

func cmdMaintain(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
		result, err := app.Orchestrator.MaintainLocal(ctx, args[0], flags.Force, flags.Plan)
		if err != nil {
			return err
		}
		return printJSON(result)
	})
}

func cmdDeleteFolders(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
		study, err := app.Orchestrator.Registry.Get(args[0])
		if err != nil {
			return err
		}
		actions, err := app.Maintainer.DeleteStudyFolders(ctx, study.DisplayID(), study.ObfuscationCode)
		if err != nil {
			return err
		}
		return printJSON(actions)
	})
}

func cmdPurgeRecycle(cmd *cobra.Command, args []string) error {
	studyID := ""
	if len(args) == 1 {
		studyID = args[0]
	}
	return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
		removed, err := app.Maintainer.PurgeRecycleBin(ctx, studyID, flags.OlderThan)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"removed": removed})
	})
}

func cmdMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()
	db, err := database.OpenMySQL(cfg.Database.MySQL.DSN)
	if err != nil {
		return err
	}
	if err := repository.AutoMigrate(db); err != nil {
		return err
	}
	log.Info("数据库表结构已更新")
	return nil
}
