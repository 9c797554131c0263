package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch an input directory and process new statement files",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Watch.InputDir == "" {
			return eris.New("watch: input_dir is not configured")
		}
		if cfg.Watch.DefaultUserID == "" {
			return eris.New("watch: default_user_id is not configured")
		}

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return eris.Wrap(err, "watch: create watcher")
		}
		defer watcher.Close()

		if err := watcher.Add(cfg.Watch.InputDir); err != nil {
			return eris.Wrapf(err, "watch: add %s", cfg.Watch.InputDir)
		}
		zap.L().Info("watch: monitoring directory", zap.String("dir", cfg.Watch.InputDir))

		year := cfg.Watch.DefaultYear
		if year == 0 {
			year = time.Now().Year()
		}

		for {
			select {
			case <-ctx.Done():
				zap.L().Info("watch: stopping")
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if !event.Op.Has(fsnotify.Create) || !watchableFile(event.Name) {
					continue
				}
				go processWatched(ctx, a, event.Name, year)
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				zap.L().Warn("watch: watcher error", zap.Error(watchErr))
			}
		}
	},
}

// watchableFile reports whether the path looks like a statement input.
func watchableFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf", ".xlsx", ".xls":
		return true
	}
	return false
}

// waitSettled polls the file size until it stops changing, so a job is
// not submitted for a half-copied upload.
func waitSettled(ctx context.Context, path string) error {
	var lastSize int64 = -1
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
		info, err := os.Stat(path)
		if err != nil {
			return eris.Wrapf(err, "watch: stat %s", path)
		}
		if info.Size() == lastSize {
			return nil
		}
		lastSize = info.Size()
	}
}

func processWatched(ctx context.Context, a *app, path string, year int) {
	log := zap.L().With(zap.String("file", path))
	if err := waitSettled(ctx, path); err != nil {
		log.Warn("watch: file never settled", zap.Error(err))
		return
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		log.Warn("watch: resolve path", zap.Error(err))
		return
	}

	job, err := a.engine.Submit(ctx, cfg.Watch.DefaultUserID, year, abs)
	if err != nil {
		log.Warn("watch: submit failed", zap.Error(err))
		return
	}
	log.Info("watch: job submitted", zap.String("job_id", job.ID))

	if _, err := a.engine.Run(ctx, job.ID); err != nil {
		log.Error("watch: run failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
