package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var rootCmd = &cobra.Command{
	Use:          "lookupd",
	Short:        "line-based domain name to IPv4 lookup server",
	Long:         `lookupd answers "<domain>\n" requests over TCP with "<a.b.c.d>\n", or a not-found message.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var queryCmd = &cobra.Command{
	Use:   "query [names...]",
	Short: "resolve names against a running lookupd (reads stdin when no names are given)",
	RunE:  runQuery,
}

var (
	serveFlags struct {
		listen         string
		seedFile       string
		seedURL        string
		healthPort     string
		dnsPort        string
		maxConns       int
		reloadInterval time.Duration
		logLevel       string
	}

	queryFlags struct {
		addr    string
		timeout time.Duration
	}
)

func init() {
	f := rootCmd.Flags()
	f.SortFlags = false
	f.StringVarP(&serveFlags.listen, "listen", "l", ":8888", "address to accept lookup connections on (LISTEN_ADDR)")
	f.StringVar(&serveFlags.seedFile, "seed-file", "", "YAML seed file (SEED_FILE)")
	f.StringVar(&serveFlags.seedURL, "seed-url", "", "URL of a YAML seed document (SEED_URL)")
	f.StringVar(&serveFlags.healthPort, "health-port", "8080", "port for /healthz and /metrics, empty disables (HEALTH_PORT)")
	f.StringVar(&serveFlags.dnsPort, "dns-port", "", "port for the DNS bridge, empty disables (DNS_PORT)")
	f.IntVar(&serveFlags.maxConns, "max-conns", 0, "maximum concurrent connections, 0 is unbounded (MAX_CONNS)")
	f.DurationVar(&serveFlags.reloadInterval, "reload-interval", 0, "seed reload interval, 0 disables (RELOAD_INTERVAL)")
	f.StringVar(&serveFlags.logLevel, "log-level", "info", "log level (LOG_LEVEL)")

	qf := queryCmd.Flags()
	qf.StringVarP(&queryFlags.addr, "addr", "a", "127.0.0.1:8888", "lookupd address")
	qf.DurationVarP(&queryFlags.timeout, "timeout", "t", 5*time.Second, "per-lookup timeout")

	rootCmd.AddCommand(queryCmd)
}

func main() {
	cobra.CheckErr(rootCmd.ExecuteContext(context.Background()))
}

// applyFlags overrides environment configuration with explicitly set flags.
func applyFlags(cmd *cobra.Command, cfg *Config) error {
	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.ListenAddr = serveFlags.listen
	}
	if f.Changed("seed-file") {
		cfg.SeedFile = serveFlags.seedFile
	}
	if f.Changed("seed-url") {
		cfg.SeedURL = serveFlags.seedURL
	}
	if f.Changed("health-port") {
		cfg.HealthPort = serveFlags.healthPort
	}
	if f.Changed("dns-port") {
		cfg.DNSPort = serveFlags.dnsPort
	}
	if f.Changed("max-conns") {
		cfg.MaxConns = serveFlags.maxConns
	}
	if f.Changed("reload-interval") {
		cfg.ReloadInterval = serveFlags.reloadInterval
	}
	if f.Changed("log-level") {
		lvl, err := zerolog.ParseLevel(serveFlags.logLevel)
		if err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", serveFlags.logLevel, err)
		}
		cfg.LogLevel = lvl
	}
	return cfg.validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	log.Info().
		Str("listen", cfg.ListenAddr).
		Int("max_conns", cfg.MaxConns).
		Dur("idle_timeout", cfg.IdleTimeout).
		Dur("reload_interval", cfg.ReloadInterval).
		Msg("starting lookupd")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := NewRecordStore()
	seeder := NewSeeder(cfg, store, log)

	// The store is seeded before anything is accepted.
	if err := seeder.Load(ctx); err != nil {
		return fmt.Errorf("initial seed: %w", err)
	}

	metrics := NewMetrics(store)
	server := NewServer(cfg, store, metrics, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(ctx)
	})
	g.Go(func() error {
		seeder.Run(ctx)
		return nil
	})
	if cfg.HealthPort != "" {
		health := NewHealthServer(cfg, server, seeder, store, metrics, log)
		g.Go(func() error {
			return health.Run(ctx)
		})
	}
	if cfg.DNSPort != "" {
		bridge := NewDNSBridge(cfg, store, log)
		g.Go(func() error {
			return bridge.ListenAndServe(ctx)
		})
	}

	err = g.Wait()
	log.Info().Msg("bye")
	return err
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	c, err := Dial(ctx, queryFlags.addr, queryFlags.timeout)
	if err != nil {
		return err
	}
	defer c.Close()

	lookup := func(name string) error {
		reply, err := c.Lookup(name)
		if err != nil {
			return fmt.Errorf("lookup %s: %w", name, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	}

	if len(args) > 0 {
		for _, name := range args {
			if err := lookup(name); err != nil {
				return err
			}
		}
		return nil
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" {
			continue
		}
		if err := lookup(name); err != nil {
			return err
		}
	}
	return scanner.Err()
}
