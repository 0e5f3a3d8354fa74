package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/bcai-network/bcai-go/pkg/ledger"
	"github.com/bcai-network/bcai-go/pkg/logging"
	"github.com/bcai-network/bcai-go/pkg/registry"
	"github.com/bcai-network/bcai-go/pkg/service"
)

// Server exposes the coordinator over HTTP: job submission and
// observation, worker registration and heartbeats, and ledger queries.
type Server struct {
	router   *mux.Router
	svc      *service.Service
	registry *registry.Registry
	ledger   *ledger.Ledger
	auth     *AuthManager
	log      *logging.Logger
	cors     []string
}

// Options configures the API server
type Options struct {
	Service      *service.Service
	Registry     *registry.Registry
	Ledger       *ledger.Ledger
	Auth         *AuthManager
	Logger       *logging.Logger
	AllowOrigins []string
}

// NewServer creates the coordinator API server
func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	auth := opts.Auth
	if auth == nil {
		auth = NewAuthManager("", 0)
	}
	s := &Server{
		router:   mux.NewRouter(),
		svc:      opts.Service,
		registry: opts.Registry,
		ledger:   opts.Ledger,
		auth:     auth,
		log:      log.WithComponent("api"),
		cors:     opts.AllowOrigins,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware, s.errorRecoveryMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ready", s.handleReady).Methods("GET")

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.auth.Middleware)

	v1.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	v1.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	v1.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	v1.HandleFunc("/jobs/{id}", s.handleCancelJob).Methods("DELETE")
	v1.HandleFunc("/jobs/{id}/result", s.handleGetResult).Methods("GET")
	v1.HandleFunc("/jobs/{id}/rounds", s.handleGetRounds).Methods("GET")

	v1.HandleFunc("/workers", s.handleRegisterWorker).Methods("POST")
	v1.HandleFunc("/workers", s.handleListWorkers).Methods("GET")
	v1.HandleFunc("/workers/{id}/heartbeat", s.handleWorkerHeartbeat).Methods("POST")
	v1.HandleFunc("/workers/{id}", s.handleRemoveWorker).Methods("DELETE")

	v1.HandleFunc("/ledger/{account}", s.handleGetBalance).Methods("GET")
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	origins := s.cors
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// ListenAndServe starts serving on the given port and blocks
func (s *Server) ListenAndServe(port string) error {
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return httpServer.ListenAndServe()
}
