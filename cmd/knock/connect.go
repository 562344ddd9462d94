package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/saintparish4/knock/internal/agent"
	"github.com/saintparish4/knock/internal/config"
	"github.com/saintparish4/knock/internal/logging"
	"github.com/saintparish4/knock/pkg/holepunch"
)

func connectCommand(args []string) error {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	fs.Usage = printConnectUsage
	configPath := fs.String("config", "", "YAML configuration file")
	server := fs.String("server", "", "Rendezvous service address (HOST:PORT)")
	session := fs.String("session", "", "Session token; only peers using the same token are paired")
	count := fs.Int("count", 0, "Stop after this many keepalives (0 = run until interrupted)")
	stunServer := fs.String("stun", "", "STUN server used to log our public endpoint before registering")
	local := fs.String("local", "", "Local UDP address to bind (default: any port)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv(nil)

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server":
			cfg.Agent.Server = *server
		case "session":
			cfg.Agent.Session = *session
		case "count":
			cfg.Agent.Count = *count
		case "stun":
			cfg.Agent.STUNServer = *stunServer
		case "local":
			cfg.Agent.LocalAddr = *local
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	logger, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}

	conn, err := holepunch.Listen(cfg.Agent.LocalAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	a, err := agent.New(agent.ConfigFrom(cfg.Agent, logger), conn)
	if err != nil {
		return err
	}
	logger.WithField("local", conn.LocalAddr().String()).Infof("bound %s", conn.LocalAddr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return a.Run(ctx)
}

func printConnectUsage() {
	fmt.Println("Usage: knock connect [options]")
	fmt.Println()
	fmt.Println("Register with a rendezvous service, punch through NAT towards the")
	fmt.Println("peer it introduces, then exchange keepalives until interrupted.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -server string      Rendezvous service address (default: $KNOCK_SERVER or 127.0.0.1:55007)")
	fmt.Println("  -session string     Session token (needs a rendezvous service in session mode)")
	fmt.Println("  -count int          Stop after this many keepalives")
	fmt.Println("  -stun string        STUN server used to log our public endpoint")
	fmt.Println("  -local string       Local UDP address to bind")
	fmt.Println("  -config string      YAML configuration file")
	fmt.Println("  -log-level string   Log level")
	fmt.Println()
	fmt.Println("Example:")
	fmt.Println("  # On the rendezvous host")
	fmt.Println("  $ rendezvous -port 55007")
	fmt.Println()
	fmt.Println("  # On each peer, within the same minute")
	fmt.Println("  $ knock connect -server 203.0.113.1:55007")
	fmt.Println()
	fmt.Println("Why the peers wait 2-5 seconds before knocking:")
	fmt.Println("  Staggering the first packets makes it likely that each NAT already")
	fmt.Println("  holds an outbound mapping when the other peer's packet arrives.")
}
