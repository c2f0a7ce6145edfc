package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"parlor/internal/api"
	"parlor/internal/auth"
	"parlor/internal/bans"
	"parlor/internal/storage"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAdminServer(authService *auth.Service, store *storage.Store, gate *bans.Gate, addr string) *AdminServer {
	adminHandler := api.NewAdminHandler(authService, store, gate)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/admin/users", adminHandler.UsersHandler)
	mux.HandleFunc("POST /api/admin/users", adminHandler.AddUserHandler)
	mux.HandleFunc("GET /api/admin/banned_users", adminHandler.BannedUsersHandler)
	mux.HandleFunc("POST /api/admin/ban", adminHandler.BanHandler)
	mux.HandleFunc("POST /api/admin/unban", adminHandler.UnbanHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *AdminServer) Start() error {
	log.Printf("Admin API started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
