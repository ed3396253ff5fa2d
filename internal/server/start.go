package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Start serves HTTP on the configured address until ctx is cancelled or the
// listener fails. It does not shut the server down; call Shutdown for that.
func (s *Server) Start(ctx context.Context) error {
	addr := s.Cfg.GetServerAddr()
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		errCh <- s.E.Start(addr)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}
