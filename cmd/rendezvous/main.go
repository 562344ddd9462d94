// Command rendezvous runs the knock rendezvous service.
//
// Two peers register by sending any UDP datagram to the service; each is then
// told the other's public "<address>:<port>" so they can punch through their
// NATs directly.
//
// Usage:
//
//	rendezvous [flags]
//
// Flags:
//
//	-config string           YAML configuration file
//	-port int                UDP port (default 55007)
//	-mode string             ordered or session (default "ordered")
//	-pending-timeout dur     Expire registrants waiting this long (default 0, never)
//	-max-pending int         Cap on open pairing cycles (default 1024, 0 = unbounded)
//	-admin string            Admin HTTP address, e.g. 127.0.0.1:8080 (default off)
//	-log-level string        Log level (default "info")
//	-version                 Show version and exit
//
// Admin endpoints (when -admin is set):
//
//	Health:    GET /health
//	Stats:     GET /api/stats
//	Pending:   GET /api/pending
//	Events:    ws://host:port/ws
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/knock/internal/config"
	"github.com/saintparish4/knock/internal/logging"
	"github.com/saintparish4/knock/internal/rendezvous"
)

var (
	version = "dev" // Set via ldflags
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	port := flag.Int("port", config.DefaultPort, "UDP port to listen on")
	mode := flag.String("mode", config.ModeOrdered, "Pairing mode: ordered or session")
	pendingTimeout := flag.Duration("pending-timeout", 0, "Expire registrants waiting longer than this (0 = never)")
	maxPending := flag.Int("max-pending", config.DefaultMaxPending, "Cap on open pairing cycles (0 = unbounded)")
	adminAddr := flag.String("admin", "", "Admin HTTP address (e.g. 127.0.0.1:8080); empty disables it")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("knock-rendezvous %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnv(nil)

	// Explicit flags win over file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Rendezvous.Port = *port
		case "mode":
			cfg.Rendezvous.Mode = *mode
		case "pending-timeout":
			cfg.Rendezvous.PendingTimeout = *pendingTimeout
		case "max-pending":
			cfg.Rendezvous.MaxPending = *maxPending
		case "admin":
			cfg.Rendezvous.AdminAddr = *adminAddr
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration:\n%v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	printBanner(cfg.Rendezvous)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("rendezvous stopped")
	}
}

func run(cfg config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := rendezvous.NewService(rendezvous.ConfigFrom(cfg.Rendezvous, logger))
	if err := svc.Listen(cfg.Rendezvous.Port); err != nil {
		return err
	}
	defer svc.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.Run(ctx)
	})

	if cfg.Rendezvous.AdminAddr != "" {
		adminCfg := rendezvous.DefaultAdminConfig()
		adminCfg.Addr = cfg.Rendezvous.AdminAddr
		adminCfg.Logger = logger
		admin := rendezvous.NewAdminServer(svc, adminCfg)

		g.Go(admin.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return admin.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	logger.WithField("stats", svc.Stats().String()).Info("bye")
	return err
}

func printBanner(cfg config.RendezvousConfig) {
	fmt.Println()
	fmt.Println("  knock rendezvous")
	fmt.Println()
	fmt.Printf(" UDP:        0.0.0.0:%d\n", cfg.Port)
	fmt.Printf(" Mode:       %s\n", cfg.Mode)
	if cfg.PendingTimeout > 0 {
		fmt.Printf(" Expiry:     %v\n", cfg.PendingTimeout)
	}
	if cfg.AdminAddr != "" {
		fmt.Printf(" Health:     http://%s/health\n", cfg.AdminAddr)
		fmt.Printf(" Stats:      http://%s/api/stats\n", cfg.AdminAddr)
		fmt.Printf(" Pending:    http://%s/api/pending\n", cfg.AdminAddr)
		fmt.Printf(" Events:     ws://%s/ws\n", cfg.AdminAddr)
	}
	fmt.Println()
	fmt.Println(" Press Ctrl+C to stop")
	fmt.Println()
}
