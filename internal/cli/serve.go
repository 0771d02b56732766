package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pulsepoint/pulsetree/internal/config"
	"github.com/pulsepoint/pulsetree/internal/database"
	"github.com/pulsepoint/pulsetree/internal/database/repositories"
	"github.com/pulsepoint/pulsetree/internal/fetcher"
	"github.com/pulsepoint/pulsetree/internal/fetcher/ignore"
	"github.com/pulsepoint/pulsetree/internal/fetcher/local"
	"github.com/pulsepoint/pulsetree/internal/project"
	"github.com/pulsepoint/pulsetree/internal/session"
	"github.com/pulsepoint/pulsetree/internal/web"
	pperrors "github.com/pulsepoint/pulsetree/pkg/errors"
	"github.com/pulsepoint/pulsetree/pkg/logger"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// serveCmd represents the serve command (main long running command)
var serveCmd = &cobra.Command{
	Use:   "serve [project]",
	Short: "Serve a project's live instance tree",
	Long: `Load the project manifest at the given path (a manifest file or a
directory containing default.project.json), watch every directory it
references, and serve the resulting instance tree over HTTP.

The port is taken from --port, then the manifest's servePort, then the
configuration.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides servePort and configuration)")
	serveCmd.Flags().String("address", "", "Address to bind (default from configuration)")
	serveCmd.Flags().Bool("journal", false, "Record every change to the journal database")
	serveCmd.Flags().StringSlice("ignore", []string{}, "Patterns to ignore (gitignore style)")
	serveCmd.Flags().Duration("status-interval", 30*time.Second, "How often to print status while changes arrive")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	projectArg := "."
	if len(args) > 0 {
		projectArg = args[0]
	}
	port, _ := cmd.Flags().GetInt("port")
	address, _ := cmd.Flags().GetString("address")
	journal, _ := cmd.Flags().GetBool("journal")
	ignorePatterns, _ := cmd.Flags().GetStringSlice("ignore")
	statusInterval, _ := cmd.Flags().GetDuration("status-interval")

	absPath, err := filepath.Abs(projectArg)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	manifest, err := project.Locate(fetcher.Reader{FS: afero.NewOsFs()}, absPath)
	if err != nil {
		return err
	}
	projectDir := filepath.Dir(manifest)

	matcher, err := newIgnoreMatcher(projectDir, cfg.Watcher, ignorePatterns)
	if err != nil {
		return err
	}

	watcher, err := local.NewPulseFetcher(local.Options{
		DebouncePeriod: cfg.Watcher.Debounce,
		Ignore:         matcher,
	})
	if err != nil {
		return err
	}

	opts := session.Options{
		ServerVersion: version,
		BatchWindow:   cfg.Session.BatchWindow,
		LogRetention:  cfg.Session.LogRetention,
		Ignore:        matcher,
	}

	var journalRepo *repositories.JournalRepository
	if journal || cfg.Journal.Enabled {
		db, err := openJournal(cfg.Journal.Path, false)
		if err != nil {
			watcher.Close()
			return err
		}
		defer db.Close()
		journalRepo = repositories.NewJournalRepository(db)
		opts.Journal = journalRepo
	}

	sess, err := session.New(watcher, manifest, opts)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to start session: %w", err)
	}

	info := sess.RootInfo()
	if journalRepo != nil {
		if err := journalRepo.BeginSession(repositories.SessionInfo{
			SessionID:      info.SessionID,
			ProjectName:    info.ProjectName,
			RootInstanceID: uint64(info.RootInstanceID),
			StartTime:      info.StartTime,
		}); err != nil {
			logger.Warn("Failed to record session in journal", zap.Error(err))
		}
	}

	srvConfig := &web.Config{
		Address:        cfg.Serve.Address,
		Port:           resolvePort(cmd.Flags().Changed("port"), port, info.ServePort, cfg.Serve.Port),
		SubscribeWait:  cfg.Serve.SubscribeWait,
		MetricsEnabled: cfg.Metrics.Enabled,
	}
	if address != "" {
		srvConfig.Address = address
	}
	srv := web.NewServer(sess, srvConfig)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Start(ctx); err != nil {
		_ = sess.Stop()
		return err
	}
	if err := srv.Start(); err != nil {
		_ = sess.Stop()
		return err
	}

	projectName := info.ProjectName
	fmt.Printf("🚀 Starting pulsetree %s\n", version)
	fmt.Printf("📁 Project: %s (%s)\n", projectName, manifest)
	fmt.Printf("🆔 Session: %s\n", info.SessionID)
	fmt.Printf("🌐 Listening on http://%s\n", srv.Addr())
	fmt.Printf("⏳ Debounce Period: %s\n", cfg.Watcher.Debounce)
	fmt.Printf("📦 Batch Window: %s\n", cfg.Session.BatchWindow)
	if journalRepo != nil {
		fmt.Printf("📝 Journal: %s\n", cfg.Journal.Path)
	}
	if patterns := matcher.GetPatterns(); len(patterns) > 0 {
		fmt.Printf("🚫 Ignore Patterns: %v\n", patterns)
	}
	fmt.Printf("\n💓 pulsetree is serving... Press Ctrl+C to stop\n\n")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		printStatus(gctx, sess, statusInterval)
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-sess.Done():
		}
		fmt.Printf("\n[%s] 🛑 Stopping pulsetree...\n", time.Now().Format("15:04:05"))
		stop()
		return errors.Join(srv.Stop(), sess.Stop())
	})

	return g.Wait()
}

// resolvePort applies flag, then manifest, then configuration precedence
func resolvePort(flagSet bool, flagPort, manifestPort, configPort int) int {
	switch {
	case flagSet:
		return flagPort
	case manifestPort != 0:
		return manifestPort
	case configPort != 0:
		return configPort
	default:
		return config.DefaultPort
	}
}

// newIgnoreMatcher anchors the configured and extra patterns at dir and
// adds the ignore file found there, if any
func newIgnoreMatcher(dir string, cfg config.WatcherConfig, extra []string) (*ignore.PulseIgnoreMatcher, error) {
	matcher := ignore.NewPulseIgnoreMatcher(dir, cfg.IgnorePatterns...)
	matcher.AddPatterns(extra)

	if cfg.IgnoreFile != "" {
		file := cfg.IgnoreFile
		if !filepath.IsAbs(file) {
			file = filepath.Join(dir, file)
		}
		if err := matcher.LoadFromFile(file); err != nil {
			return nil, fmt.Errorf("failed to read ignore file %s: %w", file, err)
		}
	}
	return matcher, nil
}

func openJournal(path string, readOnly bool) (*database.Manager, error) {
	opts := database.DefaultOptions()
	opts.Path = path
	opts.ReadOnly = readOnly

	db, err := database.NewManager(opts)
	if err != nil {
		return nil, err
	}
	if err := db.Open(); err != nil {
		if readOnly && pperrors.IsFileSystemError(err) && errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no journal at %s, run 'pulsetree serve --journal' to record one: %w", path, err)
		}
		return nil, err
	}
	return db, nil
}

// printStatus reports the cursor whenever it moved since the last tick
func printStatus(ctx context.Context, sess *session.ServeSession, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := sess.Cursor()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := sess.Stats()
			cursor := sess.Cursor()
			if cursor == last {
				continue
			}
			fmt.Printf("[%s] 📊 Status: cursor %d (+%d), %v instances, %v entries\n",
				time.Now().Format("15:04:05"), cursor, cursor-last, stats["instances"], stats["entries"])
			last = cursor
		}
	}
}
