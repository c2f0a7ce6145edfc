package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"parlor/internal/api"
	"parlor/internal/auth"
	"parlor/internal/bans"
	"parlor/internal/storage"
	"parlor/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(authService *auth.Service, gate *bans.Gate, hub *ws.Hub, store *storage.Store, wsServer *ws.Server, addr string) *APIServer {
	handlers := api.New(authService, hub, store, gate)

	mux := http.NewServeMux()

	// Session endpoints
	mux.HandleFunc("POST /api/register", handlers.RegisterHandler)
	mux.HandleFunc("POST /api/login", handlers.LoginHandler)
	mux.HandleFunc("POST /api/logout", handlers.LogoutHandler)

	// Profile and roster
	mux.HandleFunc("GET /api/me", handlers.RequireAuth(handlers.MeHandler))
	mux.HandleFunc("POST /api/profile", handlers.RequireAuth(handlers.RequireNotBanned(handlers.UpdateProfileHandler)))
	mux.HandleFunc("GET /api/profile/{username}", handlers.RequireAuth(handlers.ProfileHandler))
	mux.HandleFunc("GET /api/users", handlers.RequireAuth(handlers.UsersHandler))

	// Request/response mirror of the realtime operations
	mux.HandleFunc("POST /api/messages", handlers.RequireAuth(handlers.RequireNotBanned(handlers.SendMessageHandler)))
	mux.HandleFunc("GET /api/messages", handlers.RequireAuth(handlers.HistoryHandler))

	// Groups
	mux.HandleFunc("POST /api/groups", handlers.RequireAuth(handlers.RequireNotBanned(handlers.CreateGroupHandler)))
	mux.HandleFunc("POST /api/groups/{id}/members", handlers.RequireAuth(handlers.RequireNotBanned(handlers.AddGroupMemberHandler)))
	mux.HandleFunc("GET /api/groups", handlers.RequireAuth(handlers.GroupsHandler))

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
