// Command collabhub runs the signaling hub collaborators connect to.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"collabtext/internal/config"
	"collabtext/internal/directory"
	"collabtext/internal/discovery"
	"collabtext/internal/hub"
	"collabtext/internal/journal"
	"collabtext/internal/logging"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// hubFlags are command line overrides of the config file. Only flags that
// were set on the command line are applied.
type hubFlags struct {
	configPath  string
	addr        string
	redisAddr   string
	databaseURL string
	advertise   bool
	logLevel    string
	logPath     string
}

func (f *hubFlags) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "YAML config file (default $"+config.EnvFile+")")
	fs.StringVar(&f.addr, "addr", "", "listen address, e.g. :8081")
	fs.StringVar(&f.redisAddr, "redis", "", "Redis address for cross-hub routing and the shared room directory")
	fs.StringVar(&f.databaseURL, "database", "", "PostgreSQL URL for the activity journal")
	fs.BoolVar(&f.advertise, "advertise", false, "advertise the hub over mDNS")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug|info|warn|error")
	fs.StringVar(&f.logPath, "log-file", "", "append logs to this file")
}

func (f *hubFlags) load(fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if fs.Changed("addr") {
		cfg.Hub.Addr = f.addr
	}
	if fs.Changed("redis") {
		cfg.Hub.RedisAddr = f.redisAddr
	}
	if fs.Changed("database") {
		cfg.Hub.DatabaseURL = f.databaseURL
	}
	if fs.Changed("advertise") {
		cfg.Hub.Advertise = f.advertise
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("log-file") {
		cfg.Log.Path = f.logPath
	}
	return cfg, cfg.Validate()
}

func newRootCmd() *cobra.Command {
	var flags hubFlags

	root := &cobra.Command{
		Use:           "collabhub",
		Short:         "Signaling hub for collaborative editing sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd.Flags())
			if err != nil {
				return err
			}
			l, err := logging.New().
				Level(cfg.Log.Level).
				FromPath(cfg.Log.Path).
				Console(cfg.Log.Console).
				With("service", "collabhub").
				Make()
			if err != nil {
				return fmt.Errorf("opening log: %w", err)
			}
			defer l.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, l.Logger)
		},
	}
	flags.AddFlags(root.Flags())
	root.AddCommand(newOperationsCmd(&flags))
	return root
}

func newOperationsCmd(flags *hubFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operations <docID>",
		Short: "Count the journaled operations of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.Hub.DatabaseURL == "" {
				return errors.New("no journal database configured (--database or DATABASE_URL)")
			}
			j, err := journal.Open(cmd.Context(), cfg.Hub.DatabaseURL)
			if err != nil {
				return err
			}
			defer j.Close()
			n, err := j.CountOperations(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", args[0], n)
			return nil
		},
	}
	flags.AddFlags(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	hcfg := hub.Config{Logger: log}

	if cfg.Hub.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Hub.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis %s: %w", cfg.Hub.RedisAddr, err)
		}
		router := hub.NewRedisRouter(rdb, log)
		defer router.Close()
		hcfg.Router = router
		hcfg.Directory = directory.NewRedis(rdb)
		log.Info().Str("redis", cfg.Hub.RedisAddr).Msg("using redis routing and directory")
	}

	if cfg.Hub.DatabaseURL != "" {
		j, err := journal.Open(ctx, cfg.Hub.DatabaseURL)
		if err != nil {
			return err
		}
		defer j.Close()
		hcfg.Journal = j
		log.Info().Msg("journaling to postgres")
	}

	h := hub.New(hcfg)
	go h.Run(ctx)

	ln, err := net.Listen("tcp", cfg.Hub.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Hub.Addr, err)
	}
	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Hub.Advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		adv, err := discovery.Advertise(port, []string{"path=/ws"}, log)
		if err != nil {
			log.Warn().Err(err).Msg("mDNS advertisement failed")
		} else {
			defer adv.Shutdown()
		}
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("hub listening")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
