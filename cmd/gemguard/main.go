// Command gemguard runs a Gemini protocol server serving static files from
// a directory, and provides a gencert subcommand for generating self-signed
// TLS certificates for local testing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"git.sr.ht/~strudel/gemguard"
	"git.sr.ht/~strudel/gemguard/certificate"
	"git.sr.ht/~strudel/gemguard/internal/config"
	"git.sr.ht/~strudel/gemguard/internal/ratelimit"
)

var version = "dev"

func main() {
	root := newRootCommand()
	root.AddCommand(newGencertCommand())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPathFlag *string

	cmd := &cobra.Command{
		Use:   "gemguard [root]",
		Short: "Serve static files over the Gemini protocol.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			showVersion, _ := cmd.Flags().GetBool("version")
			if showVersion {
				fmt.Printf("gemguard %s\n", version)
				return nil
			}

			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			return run(cmd.Flags(), *configPathFlag, root)
		},
	}
	configPathFlag = config.Flags(cmd.Flags())
	return cmd
}

func run(fs *pflag.FlagSet, configPath, servePath string) error {
	cfg, err := config.Load(fs, configPath)
	if err != nil {
		return fmt.Errorf("gemguard: %w", err)
	}

	commonlog.Configure(4, nil)
	logger := commonlogAdapter{commonlog.GetLogger("gemguard")}

	cert, err := certificate.Load(cfg.Server.CertFile, cfg.Server.KeyFile)
	if err != nil {
		return fmt.Errorf("gemguard: loading certificate: %w", err)
	}
	var store certificate.Store
	store.Register("*")
	if err := store.Add("*", cert); err != nil {
		return fmt.Errorf("gemguard: registering certificate: %w", err)
	}

	router := &gemguard.Router{}
	router.Handle("", gemguard.NewStaticHandler(filepath.Clean(servePath)))

	var limiter gemguard.RateLimiter
	var refiller interface{ Run(stop <-chan struct{}) }
	if cfg.Server.NoThreading {
		limiter = ratelimit.NoopLimiter{}
	} else {
		composite := ratelimit.NewCompositeLimiterFromConfig(ratelimit.Config{
			StrikesToBan:                cfg.RateLimiter.HOSStrikesToBan,
			ConnectionsPerSecond:        cfg.RateLimiter.ConnectionLimiterConnectionsPerSecond,
			ConnectionSleepSeconds:      cfg.RateLimiter.ConnectionLimiterSleeptime,
			ConnectionPenaltySeconds:    cfg.RateLimiter.ConnectionLimiterPenaltyTime,
			MaxDownloadLimitPerMinute:   cfg.RateLimiter.SpeedLimiterMaxDownloadLimitPerMinute,
			ResetDownloadLimitPerMinute: cfg.RateLimiter.SpeedLimiterResetDownloadLimitPerMinute,
			SpeedSleepSeconds:           cfg.RateLimiter.SpeedLimiterSleeptime,
			SpeedPenaltySeconds:         cfg.RateLimiter.SpeedLimiterPenaltyTime,
			DegradationFactor:           cfg.RateLimiter.SpeedLimiterDegradationFactor,
		}, logger.Criticalf)
		limiter = composite
		refiller = composite
	}

	srv := &gemguard.Server{
		Addr:             fmt.Sprintf("%s:%d", cfg.Server.IP, cfg.Server.Port),
		CertificateStore: &store,
		Router:           router,
		RateLimiter:      limiter,
		Logger:           logger,
		Threaded:         !cfg.Server.NoThreading,
		DisableIPv6:      cfg.Server.DisableIPv6,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stopRefill := make(chan struct{})
	if refiller != nil {
		go refiller.Run(stopRefill)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	if cfg.Server.Systemd {
		if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			logger.Debugf("systemd notify failed: %v", err)
		}
	}

	select {
	case sig := <-sigCh:
		logger.Noticef("received signal %v, shutting down", sig)
		if cfg.Server.Systemd {
			if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
				logger.Debugf("systemd notify failed: %v", err)
			}
		}
		cancel()
		close(stopRefill)
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
		}
		return nil
	case err := <-errCh:
		close(stopRefill)
		return err
	}
}

// commonlogAdapter satisfies gemguard.Logger with a commonlog.Logger, and
// also supplies the bare func(string, ...interface{}) signature
// ratelimit.HallOfShame expects for its strike-threshold callback.
type commonlogAdapter struct {
	commonlog.Logger
}

func newGencertCommand() *cobra.Command {
	var (
		certFile string
		keyFile  string
		duration time.Duration
		ed25519  bool
	)

	cmd := &cobra.Command{
		Use:   "gencert <hostname> [hostname...]",
		Short: "Generate a self-signed TLS certificate for the given hostnames.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cert, err := certificate.Create(certificate.CreateOptions{
				DNSNames: args,
				Duration: duration,
				Ed25519:  ed25519,
			})
			if err != nil {
				return fmt.Errorf("gemguard: generating certificate: %w", err)
			}
			if err := certificate.Write(cert, certFile, keyFile); err != nil {
				return fmt.Errorf("gemguard: writing certificate: %w", err)
			}
			fmt.Printf("wrote %s and %s for %v\n", certFile, keyFile, args)
			return nil
		},
	}

	cmd.Flags().StringVar(&certFile, "certfile", "cert.pem", "output certificate path")
	cmd.Flags().StringVar(&keyFile, "keyfile", "key.pem", "output private key path")
	cmd.Flags().DurationVar(&duration, "duration", 100*365*24*time.Hour, "certificate validity duration")
	cmd.Flags().BoolVar(&ed25519, "ed25519", false, "generate an Ed25519 key instead of ECDSA")
	return cmd
}
