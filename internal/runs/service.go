package runs

import (
	"github.com/braidlab/braid/internal/core/storage"
	"github.com/braidlab/braid/internal/pipeline"
	"github.com/gin-gonic/gin"
)

// Service exposes the ledger and the run pipeline over HTTP.
type Service struct {
	store            storage.LedgerStore
	pipe             *pipeline.Pipeline
	maxBodySizeBytes int
}

// NewService wires the HTTP surface. The store handle is shared with the
// pipeline; the service owns neither.
func NewService(store storage.LedgerStore, pipe *pipeline.Pipeline, maxBodySizeMB int) *Service {
	if store == nil {
		panic("runs: store must not be nil")
	}
	if pipe == nil {
		panic("runs: pipeline must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 1 // default to 1MB
	}
	return &Service{
		store:            store,
		pipe:             pipe,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
	}
}

// RegisterRoutes registers the run and ledger routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/runs", s.StartRunHandler)
	r.GET("/v1/runs/:thread_id/beads", s.ListRunBeadsHandler)
	r.GET("/v1/runs/:thread_id/verdict", s.VerdictHandler)

	r.GET("/v1/beads/:id", s.GetBeadHandler)
	r.GET("/v1/ledger/integrity", s.IntegrityHandler)
	r.GET("/v1/ledger/search", s.SearchHandler)
}
