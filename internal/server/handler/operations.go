package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/p2pmarket/internal/service"
)

// OperationReader exposes tracked operations.
type OperationReader interface {
	Get(id string) (service.Operation, error)
	List() []service.Operation
}

// OperationHandler serves the asynchronous operation endpoints.
type OperationHandler struct {
	ops    OperationReader
	logger *slog.Logger
}

// NewOperationHandler creates an OperationHandler.
func NewOperationHandler(ops OperationReader, logger *slog.Logger) *OperationHandler {
	return &OperationHandler{ops: ops, logger: logHandler(logger, "operations")}
}

// ListOperations returns tracked operations, newest first.
// GET /api/operations
func (h *OperationHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"operations": h.ops.List()})
}

// GetOperation returns one operation.
// GET /api/operations/{id}
func (h *OperationHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.ops.Get(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get operation", err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}
