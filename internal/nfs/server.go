// Package nfs embeds a user-space NFSv3 server (RFC 1813) that exports every
// workspace directory as /{workspace-id}. MOUNT and NFS are served on the
// same TCP port; there is no portmapper, so clients mount with
// nfsvers=3,tcp,nolock,port=P,mountport=P.
package nfs

import (
	"context"
	"fmt"
	"net"

	nfslib "github.com/willscott/go-nfs"

	"github.com/openelevo/elevo/internal/db"
	"github.com/openelevo/elevo/internal/log"
)

// Server owns the NFS listener.
type Server struct {
	handler *Handler
	port    int
}

func NewServer(store *db.DB, workspaceRoot string, port int) *Server {
	return &Server{
		handler: NewHandler(store, workspaceRoot),
		port:    port,
	}
}

// ListenAndServe runs the NFS server until ctx is canceled. Each RPC runs on
// its own goroutine inside the protocol engine, so the accept loop never
// blocks on a slow operation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("nfs listen %s: %w", addr, err)
	}

	logger := log.WithComponent("nfs")
	logger.Info().Str("addr", addr).Msg("nfs server listening")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	if err := nfslib.Serve(listener, s.handler); err != nil && ctx.Err() == nil {
		return fmt.Errorf("nfs serve: %w", err)
	}
	return nil
}
