// fleetd manages sessions for a fleet of remote-service accounts: login
// with proxy binding and challenge solving, durable session storage, and
// a background validation sweep.
//
// Usage:
//
//	fleetd serve    Start the manager and ops HTTP server
//	fleetd sweep    Run one validation sweep and exit
//	fleetd version  Print version information
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/accfleet/fleetd/internal/account"
	"github.com/accfleet/fleetd/internal/client"
	"github.com/accfleet/fleetd/internal/login"
	"github.com/accfleet/fleetd/internal/manager"
	"github.com/accfleet/fleetd/internal/proxy"
	"github.com/accfleet/fleetd/internal/session"
	"github.com/accfleet/fleetd/internal/storage"
	"github.com/accfleet/fleetd/internal/validator"
	"github.com/accfleet/fleetd/internal/web"
)

var version = "1.0.0-dev"

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "sweep":
		runSweep()
	case "version":
		fmt.Printf("fleetd %s\n", version)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: fleetd <command>

Commands:
  serve       Start the manager and ops HTTP server
  sweep       Run one validation sweep and exit
  version     Print version information

Environment:
  LISTEN_ADDR          HTTP listen address (default: :8070)
  DATA_DIR             Base data directory (default: ./data)
  FLEET_FILE           Fleet file path (default: DATA_DIR/fleet.yml)
  SESSION_KEY          Hex-encoded 32-byte key; encrypts session blobs at rest
  SWEEP_INTERVAL       Time between validation sweeps (default: 30m, floor 30m)
  SIMULATE             "1" runs against the built-in service simulator

  S3_ENDPOINT          S3 endpoint for session storage (default: local filesystem)
  S3_ACCESS_KEY_ID     S3 access key
  S3_SECRET_ACCESS_KEY S3 secret key
  S3_BUCKET            S3 bucket (default: fleetd)
  AWS_REGION           S3 region (default: us-east-1)`)
}

// deps is everything both commands need wired up.
type deps struct {
	accounts *account.Store
	handles  *manager.Manager
	state    *validator.StateDB
	sweeps   *validator.Service
}

func buildDeps() *deps {
	dataDir := envOr("DATA_DIR", "./data")

	var accounts *account.Store
	if path := os.Getenv("FLEET_FILE"); path != "" {
		accounts = account.NewStoreFile(path)
	} else {
		accounts = account.NewStore(dataDir)
	}

	blobs, err := storage.NewBlobStore(dataDir)
	if err != nil {
		log.Fatalf("Failed to init blob store: %v", err)
	}

	var sessionKey []byte
	if v := os.Getenv("SESSION_KEY"); v != "" {
		sessionKey, err = hex.DecodeString(v)
		if err != nil {
			log.Fatalf("SESSION_KEY must be hex: %v", err)
		}
	}
	sessions, err := session.NewStore(blobs, sessionKey)
	if err != nil {
		log.Fatalf("Failed to init session store: %v", err)
	}

	auth := login.NewAuthenticator(
		login.Config{},
		accounts, sessions, login.NewLockRegistry(), proxy.Binder{},
		buildFactory(accounts),
	)
	handles := manager.New(auth)

	state, err := validator.OpenStateDB(dataDir)
	if err != nil {
		log.Fatalf("Failed to init validator state: %v", err)
	}

	interval, err := time.ParseDuration(envOr("SWEEP_INTERVAL", "30m"))
	if err != nil {
		log.Fatalf("Invalid SWEEP_INTERVAL: %v", err)
	}
	sweeps := validator.NewService(validator.Config{Interval: interval}, accounts, handles, state)

	return &deps{accounts: accounts, handles: handles, state: state, sweeps: sweeps}
}

// buildFactory returns the client factory. Production deployments link a
// real remote-service client here; with SIMULATE=1 the built-in simulator
// stands in, seeded from the fleet file so every configured account can
// log in.
func buildFactory(accounts *account.Store) client.Factory {
	if os.Getenv("SIMULATE") != "1" {
		log.Fatal("No remote client configured in this build; set SIMULATE=1 to run against the built-in simulator")
	}

	sim := client.NewSimulator()
	list, err := accounts.List()
	if err != nil {
		log.Fatalf("Failed to read fleet file: %v", err)
	}
	for _, acct := range list {
		sim.Register(&client.SimAccount{Username: acct.Username, Password: acct.Password})
	}
	log.Printf("INFO: simulation mode, %d accounts seeded", len(list))
	return sim.NewClient
}

func runServe() {
	listenAddr := envOr("LISTEN_ADDR", ":8070")
	d := buildDeps()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go d.sweeps.Start(ctx)

	router := web.NewRouter(web.Config{
		Accounts:  d.accounts,
		Handles:   d.handles,
		Validator: d.sweeps,
		State:     d.state,
	})

	srv := &http.Server{Addr: listenAddr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Starting fleetd %s on %s", version, listenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	d.handles.Close()
	d.state.Close()
}

func runSweep() {
	d := buildDeps()
	defer d.state.Close()
	defer d.handles.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, err := d.sweeps.RunSweep(ctx)
	if err != nil {
		log.Fatalf("Sweep failed: %v", err)
	}
	fmt.Printf("checked=%d valid=%d invalid=%d repaired=%d failed_repair=%d\n",
		sum.Checked, sum.Valid, sum.Invalid, sum.Repaired, sum.FailedRepair)
}
