package server

import (
	"context"
	"log/slog"
)

// Shutdown closes WebSocket connections with a going-away status, then
// stops the HTTP server, waiting for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Bridge.Shutdown()
	if err := s.E.Shutdown(ctx); err != nil {
		return err
	}
	slog.Info("HTTP server stopped")
	return nil
}
