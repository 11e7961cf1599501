// Command collabagent joins a collaboration room through a hub and edits
// shared documents from the terminal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"collabtext/internal/config"
	"collabtext/internal/console"
	"collabtext/internal/directory"
	"collabtext/internal/discovery"
	"collabtext/internal/logging"
	"collabtext/internal/session"
	"collabtext/internal/transport"
)

const discoverTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// agentFlags are command line overrides of the config file. Only flags
// that were set on the command line are applied.
type agentFlags struct {
	configPath string
	hubURL     string
	user       string
	logLevel   string
	logPath    string
}

func (f *agentFlags) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "YAML config file (default $"+config.EnvFile+")")
	fs.StringVar(&f.hubURL, "hub", "", "hub websocket URL; discovered over mDNS when empty")
	fs.StringVar(&f.user, "user", "", "your user id")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug|info|warn|error")
	fs.StringVar(&f.logPath, "log-file", "", "append logs to this file")
}

func (f *agentFlags) load(fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if fs.Changed("hub") {
		cfg.Agent.HubURL = f.hubURL
	}
	if fs.Changed("user") {
		cfg.Agent.User = f.user
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("log-file") {
		cfg.Log.Path = f.logPath
	}
	return cfg, cfg.Validate()
}

// logger builds the agent's logger. Without a log file it writes human
// readable lines to stderr so they do not mix with console output.
func logger(cfg *config.Config) (*logging.Log, error) {
	return logging.New().
		Level(cfg.Log.Level).
		FromPath(cfg.Log.Path).
		Console(cfg.Log.Console || cfg.Log.Path == "").
		With("service", "collabagent").
		Make()
}

func newRootCmd() *cobra.Command {
	var flags agentFlags

	root := &cobra.Command{
		Use:           "collabagent",
		Short:         "Collaborative editing client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags.AddFlags(root.PersistentFlags())

	root.AddCommand(newRunCmd(&flags))
	root.AddCommand(newDiscoverCmd(&flags))
	root.AddCommand(newSnapshotCmd(&flags))
	return root
}

func newRunCmd(flags *agentFlags) *cobra.Command {
	var roomID, create string
	var media bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join a room and edit interactively",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if roomID != "" && create != "" {
				return errors.New("--room and --create are mutually exclusive")
			}
			cfg, err := flags.load(cmd.Flags())
			if err != nil {
				return err
			}
			l, err := logger(cfg)
			if err != nil {
				return err
			}
			defer l.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var src session.MediaSource
			if media {
				src = newTrackSource(ctx, l.Logger)
			}
			a, err := connect(ctx, cfg, l.Logger, src)
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			if err := a.enter(ctx, roomID, create, out); err != nil {
				return err
			}

			go func() {
				_ = a.m.SyncLoop(cfg.Agent.SyncInterval).Run(ctx)
			}()

			c := console.New(a.m, out, l.Logger)
			stopWatch := c.Watch()
			defer stopWatch()
			return c.Run(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "room id to join")
	cmd.Flags().StringVar(&create, "create", "", "create a room with this name and join it")
	cmd.Flags().BoolVar(&media, "media", false, "offer voice, video and screen tracks")
	return cmd
}

func newDiscoverCmd(flags *agentFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List hubs advertised on the local network",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd.Flags())
			if err != nil {
				return err
			}
			l, err := logger(cfg)
			if err != nil {
				return err
			}
			defer l.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			hubs, err := discovery.Browse(ctx, l.Logger)
			if err != nil {
				return err
			}
			if len(hubs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no hubs")
				return nil
			}
			for _, h := range hubs {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", h.Instance, h.URL())
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", discoverTimeout, "how long to listen for answers")
	return cmd
}

func newSnapshotCmd(flags *agentFlags) *cobra.Command {
	var wait time.Duration
	var dump bool

	cmd := &cobra.Command{
		Use:   "snapshot <roomID>",
		Short: "Join a room, print its collaboration report and leave",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd.Flags())
			if err != nil {
				return err
			}
			l, err := logger(cfg)
			if err != nil {
				return err
			}
			defer l.Close()

			ctx := cmd.Context()
			a, err := connect(ctx, cfg, l.Logger, nil)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.enter(ctx, args[0], "", io.Discard); err != nil {
				return err
			}

			// members answer the join with snapshots of their documents
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			err = writeReport(cmd.OutOrStdout(), a.m.GenerateCollaborationReport(), dump)
			if leaveErr := a.m.LeaveRoom(ctx, args[0]); leaveErr != nil {
				l.Logger.Warn().Err(leaveErr).Msg("leaving room")
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", time.Second, "how long to wait for room snapshots")
	cmd.Flags().BoolVar(&dump, "dump", false, "print a Go structure dump instead of JSON")
	return cmd
}

func writeReport(w io.Writer, r session.Report, dump bool) error {
	if dump {
		_, err := fmt.Fprintln(w, litter.Options{StripPackageNames: true, HidePrivateFields: true}.Sdump(r))
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

type agent struct {
	tr  *transport.WebSocketTransport
	m   *session.Manager
	log zerolog.Logger
}

// connect dials the configured hub, or the first one found over mDNS.
func connect(ctx context.Context, cfg *config.Config, log zerolog.Logger, media session.MediaSource) (*agent, error) {
	if cfg.Agent.User == "" {
		return nil, session.ErrNoUserSpecified
	}
	hubURL, err := resolveHub(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	tr, err := transport.Dial(ctx, transport.WebSocketConfig{
		URL:         hubURL,
		UserID:      cfg.Agent.User,
		ICEServers:  iceServers(cfg.Agent.ICEServers),
		DialTimeout: cfg.Agent.DialTimeout,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	m := session.New(session.Config{
		Transport: tr,
		Directory: directory.NewHTTPClient(hubURL, nil),
		Media:     media,
		Logger:    log,
	})
	m.SetCurrentUser(session.User{ID: cfg.Agent.User, Name: cfg.Agent.User})
	return &agent{tr: tr, m: m, log: log}, nil
}

func resolveHub(ctx context.Context, cfg *config.Config, log zerolog.Logger) (string, error) {
	if cfg.Agent.HubURL != "" {
		return cfg.Agent.HubURL, nil
	}
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()
	h, err := discovery.First(ctx, log)
	if err != nil {
		return "", fmt.Errorf("no --hub given and %w", err)
	}
	return h.URL(), nil
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// enter joins roomID, or creates a room named create, and reports it.
func (a *agent) enter(ctx context.Context, roomID, create string, out io.Writer) error {
	switch {
	case create != "":
		id, err := a.m.CreateRoom(ctx, create, session.RoomOptions{})
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "created room %s (%s)\n", create, id)
	case roomID != "":
		if err := a.m.JoinRoom(ctx, roomID, nil); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "joined room %s\n", roomID)
	}
	return nil
}

func (a *agent) close() {
	a.m.Cleanup()
	if err := a.tr.Close(); err != nil {
		a.log.Debug().Err(err).Msg("closing transport")
	}
}
