// Command knock is the peer side of the rendezvous: it registers with a
// rendezvous service, punches through the local NAT towards the peer it is
// introduced to, and keeps the direct path alive.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/saintparish4/knock/internal/config"
	"github.com/saintparish4/knock/internal/logging"
	"github.com/saintparish4/knock/pkg/stun"
)

var (
	version = "dev" // Set via ldflags
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	var err error
	switch command {
	case "connect":
		err = connectCommand(os.Args[2:])
	case "discover":
		err = discoverCommand()
	case "version":
		fmt.Printf("knock %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func discoverCommand() error {
	cfg := config.Default()
	cfg.ApplyEnv(nil)

	stunServer := cfg.Agent.STUNServer
	if stunServer == "" {
		stunServer = stun.DefaultServer
	}

	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	logger.WithField("server", stunServer).Info("discovering public endpoint")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	endpoint, err := stun.NewClient(stunServer).Discover(ctx)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	fmt.Printf("\n Discovered public endpoint: %s\n", endpoint)
	fmt.Printf(" IP: %s\n", endpoint.IP)
	fmt.Printf(" Port: %d\n", endpoint.Port)

	return nil
}

func printUsage() {
	fmt.Println("Usage: knock <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println(" connect   Register with a rendezvous service and talk to the peer it introduces")
	fmt.Println(" discover  Discover your public IP and port using STUN")
	fmt.Println(" version   Show version")
	fmt.Println(" help      Show this help message")
	fmt.Println()
	fmt.Println("Environment variables:")
	fmt.Printf(" %-16s Rendezvous address (default: 127.0.0.1:%d)\n", config.EnvServer, config.DefaultPort)
	fmt.Printf(" %-16s Session token sent with the registration\n", config.EnvSession)
	fmt.Printf(" %-16s STUN server address (default: %s)\n", config.EnvSTUN, stun.DefaultServer)
	fmt.Printf(" %-16s Log level (default: info)\n", config.EnvLogLevel)
	fmt.Println()
	fmt.Println("Example:")
	fmt.Println("  knock connect -server 203.0.113.1:55007")
	fmt.Println("  STUN_SERVER=stun.ekiga.net:3478 knock discover")
}
