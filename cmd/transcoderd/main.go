package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	transcoderd "github.com/mediaingest/transcoderd"
	"github.com/mediaingest/transcoderd/internal/admin"
	"github.com/mediaingest/transcoderd/internal/config"
	"github.com/mediaingest/transcoderd/internal/ffmpeg"
	"github.com/mediaingest/transcoderd/internal/jobs"
	"github.com/mediaingest/transcoderd/internal/logger"
	"github.com/mediaingest/transcoderd/internal/store"
	"github.com/mediaingest/transcoderd/internal/watch"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./config/transcoderd.yaml)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("transcoderd v%s\n", transcoderd.Version)
		return
	}

	cfgPath := *configPath
	if cfgPath == "" {
		if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
			cfgPath = envPath
		} else {
			cfgPath = "config/transcoderd.yaml"
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Init("info")
		logger.Warn("Could not load config", "path", cfgPath, "error", err)
		cfg = config.DefaultConfig()
	}

	logger.Init(cfg.LogLevel)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("Failed to open database", "path", cfg.DBPath, "error", err)
	}
	defer st.Close()

	// Jobs interrupted by a previous shutdown go back to the queue.
	requeued, err := st.ResetProcessingJobs()
	if err != nil {
		logger.Fatal("Failed to requeue interrupted jobs", "error", err)
	}
	if requeued > 0 {
		logger.Info("Requeued interrupted jobs", "count", requeued)
	}

	if err := st.SeedDefaultProfile(); err != nil {
		logger.Fatal("Failed to seed default profile", "error", err)
	}

	fmt.Printf("transcoderd v%s\n", transcoderd.Version)
	fmt.Printf("  Config:    %s\n", cfgPath)
	fmt.Printf("  Database:  %s\n", st.Path())
	fmt.Printf("  FFmpeg:    %s\n", cfg.FFmpegPath)
	fmt.Printf("  FFprobe:   %s\n", cfg.FFprobePath)
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prober := ffmpeg.NewProber(cfg.FFprobePath)
	compiler := ffmpeg.NewCompiler(cfg.FFmpegPath, cfg.FontFile, prober)
	factory := watch.NewFactory(st)
	supervisor := watch.NewSupervisor(st, factory, cfg, nil)
	runner := jobs.NewRunner(st, compiler, prober)
	pool := jobs.NewPool(st, runner, cfg.ClaimInterval.Std())
	service := admin.NewService(st, supervisor, pool)

	if err := supervisor.Reconcile(ctx); err != nil {
		logger.Fatal("Failed to start watchers", "error", err)
	}
	if err := pool.StartActive(ctx); err != nil {
		logger.Fatal("Failed to start workers", "error", err)
	}

	logger.Info("Transcoder started", "version", transcoderd.Version)

	go logStatus(ctx, service)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down")
	cancel()
	supervisor.StopAll()
	pool.Stop()
	logger.Info("Shutdown complete")
}

// logStatus emits a queue summary once a minute while anything is pending or
// processing.
func logStatus(ctx context.Context, service *admin.Service) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, err := service.Status()
		if err != nil {
			logger.Warn("Status snapshot failed", "error", err)
			continue
		}
		var pending, processing int
		for _, src := range snap.Sources {
			pending += src.Jobs.Pending
			processing += src.Jobs.Processing
		}
		if pending+processing > 0 {
			logger.Info("Queue status", "pending", pending, "processing", processing)
		}
	}
}
