package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/lowaak/treadmill-sync/internal/go_func_utils"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	httpServer *http.Server
	logger     *log.Logger
}

// NewServer only bounds header reads since /ws/live connections are long lived
func NewServer(addr string, handler http.Handler, logger *log.Logger) *Server {
	if logger == nil {
		panic("Server: logger cannot be nil")
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go_func_utils.SafeGo(s.logger, "HTTP server", func() {
		s.logger.Printf("API: Listening on %s", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) && err == nil {
		err = serveErr
	}
	s.logger.Println("API: Server shut down")
	return err
}
