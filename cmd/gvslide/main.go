package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"gvslide/internal/config"
	"gvslide/internal/imagecache"
	"gvslide/internal/scan"
	"gvslide/internal/settings"
	"gvslide/internal/slideshow"
	"gvslide/internal/viewer"
)

var (
	configFlag string
	dbPathFlag string
	groupFlag  string
	cfg        *config.Config
	store      *settings.Store
)

func cliLogger(msg string) {
	log.Printf("[gvslide] %s", msg)
}

// EnvFunc opens the configuration and the settings store. Tests pass their
// own to point the CLI at temporary files.
type EnvFunc func(configPath, dbPath string, logger settings.LoggerFunc) (*config.Config, *settings.Store, error)

func defaultEnv(configPath, dbPath string, logger settings.LoggerFunc) (*config.Config, *settings.Store, error) {
	var paths []string
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, nil, fmt.Errorf("config file: %w", err)
		}
		paths = append(paths, configPath)
	}
	c, err := config.Load(paths...)
	if err != nil {
		return nil, nil, err
	}
	if dbPath == "" {
		dbPath = c.DataDir
	}
	s, err := settings.Open(dbPath, logger)
	if err != nil {
		return nil, nil, err
	}
	return c, s, nil
}

func closeStore() {
	if store != nil {
		store.Close()
		store = nil
	}
}

func settingsGroup() string {
	if groupFlag != "" {
		return groupFlag
	}
	return cfg.SettingsGroup()
}

// NewRootCmd creates the root command for the CLI application.
// getEnv is responsible for loading the configuration and opening the
// settings store, which allows tests to inject test-specific instances.
func NewRootCmd(getEnv EnvFunc) *cobra.Command {
	var rootCmd = &cobra.Command{
		Use:          "gvslide",
		Short:        "gvslide - image slideshow",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A failed RunE skips PersistentPostRun; don't leave the database locked.
			closeStore()
			var err error
			cfg, store, err = getEnv(configFlag, dbPathFlag, cliLogger)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	rootCmd.AddCommand(newPlayCmd())
	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newSettingsCmd())

	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to a config file (default: xdg config dir, then ./gvslide.toml)")
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "dbpath", "", "Directory or .db file of the settings database")
	rootCmd.PersistentFlags().StringVar(&groupFlag, "group", "", "Settings group to read and write")

	return rootCmd
}

type playFlags struct {
	delay     float64
	unit      string
	loop      bool
	random    bool
	stopAtEnd bool
	save      bool
	watch     bool
}

// overrides applies the flags the user actually set on top of s.
func (f *playFlags) overrides(cmd *cobra.Command, s slideshow.Settings) (slideshow.Settings, error) {
	flags := cmd.Flags()
	if flags.Changed("delay") {
		if f.delay <= 0 {
			return s, fmt.Errorf("delay must be positive, got %v", f.delay)
		}
		s.Delay = f.delay
	}
	if flags.Changed("unit") {
		u, err := slideshow.ParseDelayUnit(f.unit)
		if err != nil {
			return s, err
		}
		s.DelayUnit = u
	}
	if flags.Changed("loop") {
		s.Loop = f.loop
	}
	if flags.Changed("random") {
		s.Random = f.random
	}
	if flags.Changed("stop-at-end") {
		s.StopAtEnd = f.stopAtEnd
	}
	return s, nil
}

// syncPrinter serializes output coming from load goroutines.
type syncPrinter struct {
	mu  sync.Mutex
	cmd *cobra.Command
}

func (p *syncPrinter) Printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmd.Printf(format, args...)
}

func displayName(id slideshow.Identifier) string {
	if p, err := scan.PathFor(string(id)); err == nil {
		return p
	}
	return string(id)
}

func newPlayCmd() *cobra.Command {
	f := &playFlags{}
	playCmd := &cobra.Command{
		Use:   "play [directory] [start image]",
		Short: "Run a slideshow over the images in a directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := scan.Collect(args[0], cliLogger)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				return fmt.Errorf("no images found in %s", args[0])
			}
			ids := make([]slideshow.Identifier, 0, len(items))
			for _, uri := range items.URIs() {
				ids = append(ids, slideshow.Identifier(uri))
			}
			start := ids[0]
			if len(args) == 2 {
				p, err := filepath.Abs(args[1])
				if err != nil {
					return err
				}
				start = slideshow.Identifier(scan.IdentifierFor(p))
			}

			group := settingsGroup()
			s, err := store.ReadSlideshow(group)
			if err != nil {
				return fmt.Errorf("failed to read settings: %w", err)
			}
			if s, err = f.overrides(cmd, s); err != nil {
				return err
			}
			if f.save {
				if err := store.WriteSlideshow(group, s); err != nil {
					return fmt.Errorf("failed to save settings: %w", err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cc := cfg.GetCacheConfig()
			cache := imagecache.New(imagecache.Decoder{MaxDimension: cc.MaxDimension}, imagecache.Options{
				MaxBytes: cc.MaxBytes,
				Workers:  cc.Workers,
				Logger:   cliLogger,
			})
			defer cache.Close()

			out := &syncPrinter{cmd: cmd}
			var engine *slideshow.Engine
			doc := viewer.New(cache, viewer.Options{
				HistorySize: cfg.GetHistorySize(),
				OnLoaded: func(id slideshow.Identifier, img *imagecache.Image) {
					if img != nil {
						out.Printf("Showing %s (%dx%d)\n", displayName(id), img.Info.Width, img.Info.Height)
					}
					engine.NotifyLoaded()
				},
				OnError: func(id slideshow.Identifier, err error) {
					out.Printf("Failed to load %s: %v\n", displayName(id), err)
				},
				Logger: cliLogger,
			})
			defer doc.Close()

			finished := make(chan slideshow.StopReason, 1)
			engine = slideshow.New(doc, cache, slideshow.Events{
				AdvanceRequested: doc.Show,
				Finished: func(r slideshow.StopReason) {
					select {
					case finished <- r:
					default:
					}
				},
			}, s,
				slideshow.WithLogger(cliLogger),
				slideshow.WithRand(rand.New(rand.NewSource(time.Now().UnixNano()))),
			)
			defer engine.Close()

			if f.watch || cfg.Watch {
				w, err := scan.NewWatcher(args[0], func(path string, removed bool) {
					id := slideshow.Identifier(scan.IdentifierFor(path))
					cache.Invalidate(id)
					if removed {
						doc.Forget(id)
					}
				}, cliLogger)
				if err != nil {
					return err
				}
				watchCtx, cancelWatch := context.WithCancel(ctx)
				go w.Run(watchCtx)
				defer w.Wait()
				defer cancelWatch()
			}

			if _, err := doc.Open(ctx, start); err != nil {
				return err
			}
			engine.Start(ids)
			if !engine.IsRunning() {
				return fmt.Errorf("could not start slideshow from %s", displayName(start))
			}
			out.Printf("Slideshow of %d images, one every %s\n", len(ids), s.Interval())

			select {
			case r := <-finished:
				out.Printf("Slideshow %s after %d images\n", r, len(doc.History()))
			case <-ctx.Done():
				engine.Stop()
				out.Printf("Slideshow interrupted\n")
			}
			return nil
		},
	}
	playCmd.Flags().Float64Var(&f.delay, "delay", slideshow.DefaultDelay, "Time between images, in --unit")
	playCmd.Flags().StringVar(&f.unit, "unit", string(slideshow.UnitSeconds), "Delay unit: s (seconds) or ms (milliseconds)")
	playCmd.Flags().BoolVar(&f.loop, "loop", false, "Start over after the last image")
	playCmd.Flags().BoolVar(&f.random, "random", false, "Shuffle the images")
	playCmd.Flags().BoolVar(&f.stopAtEnd, "stop-at-end", false, "Stop after the last image instead of wrapping around")
	playCmd.Flags().BoolVar(&f.save, "save", false, "Store the resulting settings in the settings group")
	playCmd.Flags().BoolVar(&f.watch, "watch", false, "Reload images that change on disk")
	return playCmd
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan [directory]",
		Short: "List the images a slideshow of directory would show",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := scan.Collect(args[0], cliLogger)
			if err != nil {
				return err
			}
			var total uint64
			for _, item := range items {
				cmd.Println(item.Path)
				total += uint64(item.Info.Size())
			}
			cmd.Printf("%d images, %s\n", len(items), humanize.Bytes(total))
			return nil
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info [image]",
		Short: "Show dimensions, size and EXIF data of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			img, err := imagecache.Decoder{}.LoadFile(cmd.Context(), p)
			if err != nil {
				return err
			}
			info := img.Info
			cmd.Printf("Path:       %s\n", info.Path)
			cmd.Printf("Dimensions: %dx%d\n", info.Width, info.Height)
			cmd.Printf("Size:       %s\n", humanize.Bytes(uint64(info.Size)))
			cmd.Printf("Modified:   %s (%s)\n", info.ModTime.Format(time.DateTime), humanize.Time(info.ModTime))
			fields := make([]string, 0, len(info.EXIFData))
			for k := range info.EXIFData {
				fields = append(fields, k)
			}
			sort.Strings(fields)
			for _, k := range fields {
				cmd.Printf("EXIF %s: %s\n", k, info.EXIFData[k])
			}
			return nil
		},
	}
}

func newSettingsCmd() *cobra.Command {
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the stored slideshow settings",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the slideshow settings of the group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.ReadSlideshow(settingsGroup())
			if err != nil {
				return err
			}
			values := settings.Encode(s)
			for _, k := range settings.Keys() {
				cmd.Printf("%s = %s\n", k, values[k])
			}
			return nil
		},
	}
	settingsCmd.AddCommand(showCmd)

	setCmd := &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Change one slideshow setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			group := settingsGroup()
			s, err := store.ReadSlideshow(group)
			if err != nil {
				return err
			}
			if err := settings.Apply(&s, args[0], args[1]); err != nil {
				if errors.Is(err, settings.ErrUnknownKey) {
					return fmt.Errorf("%w (known keys: %v)", err, settings.Keys())
				}
				return err
			}
			if err := store.WriteSlideshow(group, s); err != nil {
				return err
			}
			cmd.Printf("Set %s to %s in '%s'\n", args[0], settings.Encode(s)[args[0]], group)
			return nil
		},
	}
	settingsCmd.AddCommand(setCmd)

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget the stored settings of the group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			group := settingsGroup()
			if err := store.DeleteGroup(group); err != nil {
				return err
			}
			cmd.Printf("Reset settings of '%s'\n", group)
			return nil
		},
	}
	settingsCmd.AddCommand(resetCmd)

	unsetCmd := &cobra.Command{
		Use:   "unset [key]",
		Short: "Return one setting to its default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group := settingsGroup()
			if _, err := store.Get(group, args[0]); errors.Is(err, settings.ErrNotFound) {
				cmd.Printf("%s is not set in '%s'\n", args[0], group)
				return nil
			} else if err != nil {
				return err
			}
			if err := store.Delete(group, args[0]); err != nil {
				return err
			}
			cmd.Printf("Unset %s in '%s'\n", args[0], group)
			return nil
		},
	}
	settingsCmd.AddCommand(unsetCmd)

	groupsCmd := &cobra.Command{
		Use:   "groups",
		Short: "List the settings groups in the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			groups, err := store.Groups()
			if err != nil {
				return err
			}
			if len(groups) == 0 {
				cmd.Println("No settings stored.")
				return nil
			}
			for _, g := range groups {
				cmd.Println(g)
			}
			return nil
		},
	}
	settingsCmd.AddCommand(groupsCmd)

	return settingsCmd
}

func main() {
	rootCmd := NewRootCmd(defaultEnv)
	err := rootCmd.Execute()
	closeStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
