package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/AuditLedger/internal/auditledger"
	"github.com/jmerrifield20/AuditLedger/internal/identity"
	"go.uber.org/zap"
)

// IdempotencyKeyHeader carries the caller's idempotency key. It takes
// precedence over the idempotency_key body field.
const IdempotencyKeyHeader = "Idempotency-Key"

// entryRecorder is satisfied by *recorder.Recorder.
type entryRecorder interface {
	Record(ctx context.Context, req auditledger.AppendRequest) (*auditledger.AppendResult, error)
}

// AppendHandler accepts admin actions from internal services.
type AppendHandler struct {
	recorder entryRecorder
	logger   *zap.Logger
}

// NewAppendHandler creates an AppendHandler.
func NewAppendHandler(rec entryRecorder, logger *zap.Logger) *AppendHandler {
	return &AppendHandler{recorder: rec, logger: logger}
}

// Register mounts the append route. Callers put authentication middleware
// on rg.
func (h *AppendHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/ledger/entries", h.Append)
}

// Append handles POST /ledger/entries. A new entry returns 201; a replay of
// an already committed idempotency key returns 200 with the original entry.
func (h *AppendHandler) Append(c *gin.Context) {
	var req auditledger.AppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidEntry, "invalid request body: "+err.Error())
		return
	}
	if key := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader)); key != "" {
		req.IdempotencyKey = key
	}
	// origin_address is the admin's origin as reported by the calling
	// service; the caller's own address is not a substitute.
	req.ActionType = auditledger.ActionType(strings.ToUpper(string(req.ActionType)))

	res, err := h.recorder.Record(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, auditledger.ErrInvalidEntry) {
			respondError(c, http.StatusBadRequest, codeInvalidEntry, err.Error())
			return
		}
		respondError(c, http.StatusServiceUnavailable, codeWriteFailed, "admin action could not be recorded")
		return
	}

	fields := []zap.Field{
		zap.Int64("sequence_number", res.Entry.SequenceNumber),
		zap.String("action_type", string(res.Entry.ActionType)),
		zap.Bool("replayed", res.Replayed),
	}
	if claims := identity.ServiceFromCtx(c); claims != nil {
		fields = append(fields, zap.String("service_id", claims.ServiceID))
	}
	h.logger.Info("ledger entry accepted", fields...)

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"success": true, "entry": res.Entry, "replayed": res.Replayed})
}
