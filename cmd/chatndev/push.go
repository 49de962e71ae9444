package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/chatndev/internal/filetree"
	"github.com/ehrlich-b/chatndev/internal/logger"
	"github.com/ehrlich-b/chatndev/internal/ws"
)

const pushDebounce = 300 * time.Millisecond

func pushCmd() *cobra.Command {
	var watchFlag, runFlag bool

	cmd := &cobra.Command{
		Use:   "push PROJECT_ID [DIR]",
		Short: "Replace a room's file tree with a local directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := clientCredentials(cmd)
			if err != nil {
				return err
			}
			dir := "."
			if len(args) == 2 {
				dir = args[1]
			}
			if _, err := filetree.ReadDir(dir); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			client := &ws.Client{URL: creds.Server, Token: creds.Token, ProjectID: args[0]}
			push := func() {
				tree, err := filetree.ReadDir(dir)
				if err != nil {
					logger.Error("read directory", "dir", dir, "err", err)
					return
				}
				if err := client.SendFileTree(ctx, tree); err != nil {
					logger.Error("push file tree", "err", err)
					return
				}
				fmt.Printf("pushed %d files\n", tree.Files())
			}
			client.OnConnect = func(ctx context.Context) {
				push()
				if runFlag {
					if err := client.RunSandbox(ctx); err != nil {
						logger.Error("run sandbox", "err", err)
					}
				}
				if !watchFlag {
					// Give the frame time to leave before hanging up.
					time.Sleep(200 * time.Millisecond)
					cancel()
				}
			}

			if watchFlag {
				go func() {
					if err := watchTree(ctx, dir, pushDebounce, push); err != nil {
						logger.Error("watch", "dir", dir, "err", err)
						cancel()
					}
				}()
			}

			err = client.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	addClientFlags(cmd)
	cmd.Flags().BoolVar(&watchFlag, "watch", false, "keep pushing when files change")
	cmd.Flags().BoolVar(&runFlag, "run", false, "start the sandbox after the first push")
	return cmd
}

// watchTree calls onChange once per burst of changes under dir until ctx
// ends. Directories in filetree.SkipDirs are not watched.
func watchTree(ctx context.Context, dir string, debounce time.Duration, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := addDirs(watcher, dir); err != nil {
		return err
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Chmod == ev.Op {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					addDirs(watcher, ev.Name)
				}
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, onChange)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", "err", err)
		case <-ctx.Done():
			return nil
		}
	}
}

func addDirs(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && filetree.SkipDirs[d.Name()] {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}
