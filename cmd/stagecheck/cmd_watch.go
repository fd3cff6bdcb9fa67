package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"stagecheck/internal/campaign"
)

const defaultDebounce = 500 * time.Millisecond

// watchCmd re-runs a campaign when its inputs change
var watchCmd = &cobra.Command{
	Use:   "watch <campaign.yaml>",
	Short: "Re-run a campaign whenever its design or definition changes",
	Long: `Runs the campaign once, then watches the campaign file and every design
file it names. Each settled change triggers a new run. Unchanged stages
reuse their stored snapshots and traces, so only what the edit affects is
recomputed by the engines.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	debounce, _ := cmd.Flags().GetDuration("debounce")
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	s, err := openSession(true, 0)
	if err != nil {
		return err
	}
	defer s.Close()

	stopMetrics := serveMetrics(s.cfg.Metrics.ListenAddr)
	defer stopMetrics()

	out := cmd.OutOrStdout()
	runOnce := func(ctx context.Context) []string {
		def, err := campaign.LoadDefinition(path)
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render(err.Error()))
			return nil
		}
		rep, err := s.orch.Run(ctx, def)
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render(err.Error()))
		} else {
			_ = printReport(out, s, rep, false)
		}
		return append(def.Files(), path)
	}

	w, err := newCampaignWatcher(debounce)
	if err != nil {
		return err
	}
	defer w.Close()

	files := runOnce(ctx)
	if files == nil {
		files = []string{path}
	}
	if err := w.Track(files); err != nil {
		return err
	}
	fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("Watching %d files (Ctrl+C to stop)", len(w.Tracked()))))

	return w.Run(ctx, func(ctx context.Context, changed []string) []string {
		logger.Info("Change detected, re-running campaign", zap.Strings("files", changed))
		return runOnce(ctx)
	})
}

// campaignWatcher watches a set of files through their parent directories,
// so editors that save by rename are still seen, and fires once per
// settled burst of changes.
type campaignWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	tracked     map[string]bool
	dirs        map[string]bool
	pending     map[string]time.Time
	debounceDur time.Duration
}

func newCampaignWatcher(debounce time.Duration) (*campaignWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &campaignWatcher{
		watcher:     watcher,
		tracked:     make(map[string]bool),
		dirs:        make(map[string]bool),
		pending:     make(map[string]time.Time),
		debounceDur: debounce,
	}, nil
}

// Track replaces the tracked file set. Directories already watched stay
// watched.
func (cw *campaignWatcher) Track(files []string) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	tracked := make(map[string]bool, len(files))
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		tracked[abs] = true

		dir := filepath.Dir(abs)
		if cw.dirs[dir] {
			continue
		}
		if err := cw.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		cw.dirs[dir] = true
	}
	cw.tracked = tracked
	return nil
}

// Tracked returns the tracked files, sorted.
func (cw *campaignWatcher) Tracked() []string {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	out := make([]string, 0, len(cw.tracked))
	for f := range cw.tracked {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Run blocks until ctx is done. onChange receives the settled changed files
// and returns the file set to track next, or nil to keep the current one.
func (cw *campaignWatcher) Run(ctx context.Context, onChange func(ctx context.Context, changed []string) []string) error {
	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return nil
			}
			cw.handleEvent(event)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Watcher error", zap.Error(err))

		case <-debounceTicker.C:
			changed := cw.settled()
			if len(changed) == 0 {
				continue
			}
			if next := onChange(ctx, changed); next != nil {
				if err := cw.Track(next); err != nil {
					logger.Warn("Failed to update watched files", zap.Error(err))
				}
			}
		}
	}
}

func (cw *campaignWatcher) handleEvent(event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}

	name := filepath.Clean(event.Name)
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if !cw.tracked[name] {
		return
	}
	logger.Debug("File event", zap.String("file", name), zap.String("op", event.Op.String()))
	cw.pending[name] = time.Now()
}

// settled drains the pending changes once none has been touched for the
// debounce window.
func (cw *campaignWatcher) settled() []string {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	var latest time.Time
	for _, at := range cw.pending {
		if at.After(latest) {
			latest = at
		}
	}
	if len(cw.pending) == 0 || time.Since(latest) < cw.debounceDur {
		return nil
	}

	out := make([]string, 0, len(cw.pending))
	for path := range cw.pending {
		out = append(out, path)
	}
	clear(cw.pending)
	sort.Strings(out)
	return out
}

func (cw *campaignWatcher) Close() error {
	return cw.watcher.Close()
}
