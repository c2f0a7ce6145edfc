package main

import (
	"context"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"parlor/internal/auth"
	"parlor/internal/bans"
	"parlor/internal/commands"
	"parlor/internal/config"
	"parlor/internal/http"
	"parlor/internal/presence"
	"parlor/internal/room"
	"parlor/internal/storage"
	"parlor/internal/ws"
)

func run(ctx context.Context, addUser string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if addUser != "" {
		return commands.AddUser(addUser, cfg)
	}

	store, err := storage.Open(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	authService, err := auth.NewService(ctx, auth.Config{TokenExpiry: cfg.TokenExpiry}, store)
	if err != nil {
		return err
	}

	gate := bans.NewGate(store)

	hub := ws.NewHub(
		ws.Config{MaxMessageLen: cfg.MaxMessageLen, SendBuffer: cfg.SendBuffer},
		store, gate, room.NewDirectory(), presence.NewTracker(),
	)
	// Bans force-disconnect through the hub; bound here to keep the two
	// packages independent.
	gate.BindDisconnector(hub)

	wsServer := ws.NewServer(authService, gate, hub, cfg.EventRate, cfg.EventBurst)

	adminServer := http.NewAdminServer(authService, store, gate, cfg.AdminAddr)
	apiServer := http.NewAPIServer(authService, gate, hub, store, wsServer, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	addUser := flag.String("add-user", "", "Username to create (creates user with generated password and prints details)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addUser); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
