package runs

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	v1 "github.com/braidlab/braid/internal/api/v1"
	httperr "github.com/braidlab/braid/internal/core/errors"
	"github.com/braidlab/braid/internal/core/storage"
	"github.com/braidlab/braid/internal/pipeline"
	"github.com/gin-gonic/gin"
)

const (
	msgReadBodyFailed = "Failed to read request body"
	msgInvalidJSON    = "Invalid JSON body"
	msgRunFailed      = "Run failed"
	msgQueryFailed    = "Failed to query ledger"
)

// apiError carries the structured HTTP error shape from a helper back to the
// handler. Helpers return this instead of writing to gin.Context directly,
// keeping them decoupled from HTTP.
type apiError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *apiError) Error() string {
	return e.message
}

// startRunRequest is the POST /v1/runs body.
type startRunRequest struct {
	ThreadID string   `json:"thread_id"`
	Targets  []string `json:"targets"`
}

// StartRunHandler runs the full pipeline synchronously and returns the run
// report. Partial task failures do not fail the request: the report carries
// them alongside the verdict.
func (s *Service) StartRunHandler(c *gin.Context) {
	req, err := s.parseStartRun(c)
	if err != nil {
		writeError(c, err)
		return
	}

	slog.Info("Received run request",
		"thread_id", req.ThreadID,
		"targets", len(req.Targets))

	report, runErr := s.pipe.Run(c.Request.Context(), req.ThreadID, req.Targets)
	if runErr != nil {
		slog.Error("Run failed", "thread_id", req.ThreadID, "error", runErr)
		writeError(c, &apiError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgRunFailed,
			details:    map[string]interface{}{"reason": runErr.Error()},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"thread_id":       report.ThreadID,
		"verdict":         report.Verdict,
		"no_findings":     report.NoFindings,
		"risk_score":      report.RiskScore,
		"findings":        report.Findings,
		"task_results":    taskResultsPayload(report),
		"budget_exceeded": report.BudgetExceeded,
		"reconciliation":  report.Reconciliation,
	})
}

func (s *Service) parseStartRun(c *gin.Context) (*startRunRequest, *apiError) {
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1)

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("Failed to read request body", "error", err)
		return nil, &apiError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}
	if int64(len(bodyBytes)) > maxBytes {
		return nil, &apiError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "Request body exceeds maximum allowed size",
			details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
		}
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Warn("Invalid JSON body received", "error", err)
		return nil, &apiError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		}
	}
	if len(req.Targets) == 0 {
		return nil, &apiError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpValidationError,
			message:    "targets is required",
		}
	}
	return &req, nil
}

// ListRunBeadsHandler returns every bead of one run in append order.
func (s *Service) ListRunBeadsHandler(c *gin.Context) {
	threadID := c.Param("thread_id")

	beads, err := s.store.Query(c.Request.Context(), storage.Filter{ThreadID: threadID})
	if err != nil {
		slog.Error("Failed to query run beads", "thread_id", threadID, "error", err)
		writeError(c, &apiError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgQueryFailed,
		})
		return
	}
	if len(beads) == 0 {
		writeError(c, &apiError{
			statusCode: http.StatusNotFound,
			errorType:  httperr.HttpRunNotFoundError,
			message:    "No beads recorded for this run",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": threadID, "beads": beads})
}

// VerdictHandler returns the run's verdict bead. A run that is still open
// (no verdict yet) is reported distinctly from an unknown run.
func (s *Service) VerdictHandler(c *gin.Context) {
	threadID := c.Param("thread_id")
	ctx := c.Request.Context()

	verdicts, err := s.store.Query(ctx, storage.Filter{
		ThreadID: threadID,
		Kind:     v1.KindVerdict,
		Limit:    1,
	})
	if err != nil {
		slog.Error("Failed to query verdict", "thread_id", threadID, "error", err)
		writeError(c, &apiError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgQueryFailed,
		})
		return
	}
	if len(verdicts) == 1 {
		c.JSON(http.StatusOK, verdicts[0])
		return
	}

	any, err := s.store.Query(ctx, storage.Filter{ThreadID: threadID, Limit: 1})
	if err == nil && len(any) > 0 {
		writeError(c, &apiError{
			statusCode: http.StatusNotFound,
			errorType:  httperr.HttpVerdictPendingError,
			message:    "Run is still open: no verdict bead yet",
		})
		return
	}
	writeError(c, &apiError{
		statusCode: http.StatusNotFound,
		errorType:  httperr.HttpRunNotFoundError,
		message:    "No beads recorded for this run",
	})
}

// GetBeadHandler returns one bead and its children.
func (s *Service) GetBeadHandler(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	bead, err := s.store.GetByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(c, &apiError{
			statusCode: http.StatusNotFound,
			errorType:  httperr.HttpRunNotFoundError,
			message:    "Bead not found",
		})
		return
	}
	if err != nil {
		slog.Error("Failed to get bead", "bead_id", id, "error", err)
		writeError(c, &apiError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgQueryFailed,
		})
		return
	}

	children, err := s.store.GetChildren(ctx, id)
	if err != nil {
		slog.Error("Failed to get bead children", "bead_id", id, "error", err)
		writeError(c, &apiError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgQueryFailed,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bead": bead, "children": children})
}

// IntegrityHandler runs a full-ledger integrity scan.
func (s *Service) IntegrityHandler(c *gin.Context) {
	problems, err := s.store.VerifyIntegrity(c.Request.Context())
	if err != nil {
		slog.Error("Integrity scan failed", "error", err)
		writeError(c, &apiError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    "Integrity scan failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"clean":    len(problems) == 0,
		"problems": problems,
	})
}

// SearchHandler matches serialized payloads case-insensitively.
func (s *Service) SearchHandler(c *gin.Context) {
	q := c.Query("q")
	if q == "" {
		writeError(c, &apiError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpValidationError,
			message:    "q is required",
		})
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(c, &apiError{
				statusCode: http.StatusBadRequest,
				errorType:  httperr.HttpValidationError,
				message:    "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	beads, err := s.store.Search(c.Request.Context(), q, limit)
	if err != nil {
		slog.Error("Search failed", "query", q, "error", err)
		writeError(c, &apiError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgQueryFailed,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"query": q, "beads": beads})
}

// taskResultState is the JSON shape of one task outcome; pool.Result carries
// a Go error that does not serialize.
type taskResultState struct {
	TaskID   string `json:"task_id"`
	Target   string `json:"target"`
	Source   string `json:"source"`
	Status   string `json:"status"`
	BeadID   string `json:"bead_id,omitempty"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration,omitempty"`
}

func taskResultsPayload(report *pipeline.RunReport) []taskResultState {
	out := make([]taskResultState, 0, len(report.TaskResults))
	for _, r := range report.TaskResults {
		s := taskResultState{
			TaskID: r.TaskID,
			Target: r.Target,
			Source: r.Source,
			Status: string(r.Status),
			BeadID: r.BeadID,
		}
		if r.Err != nil {
			s.Error = r.Err.Error()
		}
		if r.Duration > 0 {
			s.Duration = r.Duration.String()
		}
		out = append(out, s)
	}
	return out
}

// writeError serializes an apiError as the JSON HTTP response.
func writeError(c *gin.Context, err *apiError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
