package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/codesand/codesand/internal/auth"
	"github.com/codesand/codesand/internal/dispatch"
	"github.com/codesand/codesand/internal/sandbox"
	"github.com/codesand/codesand/internal/storage"
)

// maxCodeSize bounds a request body.
const maxCodeSize = 1 << 20

// Server is the HTTP front end of the sandbox pool.
type Server struct {
	dispatcher *dispatch.Dispatcher
	pool       *sandbox.Pool
	store      storage.Store
	keys       *auth.KeySet
	runs       *RunManager
	router     chi.Router
	servers    []*http.Server
	log        *logrus.Entry
}

// New creates a new Server. store may be nil, which disables the job routes.
func New(d *dispatch.Dispatcher, pool *sandbox.Pool, store storage.Store, keys *auth.KeySet) *Server {
	s := &Server{
		dispatcher: d,
		pool:       pool,
		store:      store,
		keys:       keys,
		runs:       NewRunManager(),
		router:     chi.NewRouter(),
		log:        logrus.WithField("component", "server"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.log, NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(auth.Middleware(s.keys))

	r.Get("/", s.handleHello)
	r.Get("/status", s.handleStatus)
	r.Get("/languages", s.handleLanguages)

	r.Post("/run/{runner}", s.handleRun)
	r.Get("/run/{runner}/ws", s.handleRunWebSocket)

	if s.store != nil {
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Delete("/{id}", s.handleDeleteJob)
		})
	}

	r.Get("/{name}", s.handleHelloName)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on every address and serves until Shutdown. It returns the
// first listener error.
func (s *Server) Start(addrs []string) error {
	var g errgroup.Group
	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeServers()
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		srv := &http.Server{
			Handler:           s.router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.servers = append(s.servers, srv)
		s.log.Infof("codesand listening on %s", ln.Addr())
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Server) closeServers() {
	for _, srv := range s.servers {
		srv.Close()
	}
}

// Shutdown cancels in-flight runs, stops the listeners and waits for every
// sandbox to finish recovering.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	s.runs.CloseAll()

	var errs []error
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.pool.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
