package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/AuditLedger/internal/auditledger"
	"go.uber.org/zap"
)

// Error codes returned in the "error.code" field.
const (
	codeInvalidQuery = "invalid_query"
	codeInvalidEntry = "invalid_entry"
	codeQueryFailed  = "query_failed"
	codeWriteFailed  = "write_failed"
	codeUnauthorized = "unauthorized"
	codeNotFound     = "not_found"
)

var errInvalidDate = errors.New("must be RFC 3339 or YYYY-MM-DD")

func respondError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   gin.H{"code": code, "message": msg},
	})
}

// respondReadError maps a read-path error to its HTTP response. Malformed
// input is the caller's fault; anything else means the ledger could not be
// read and no partial result is returned.
func respondReadError(c *gin.Context, logger *zap.Logger, op string, err error) {
	var qe *auditledger.QueryError
	switch {
	case errors.As(err, &qe):
		respondError(c, http.StatusBadRequest, codeInvalidQuery, qe.Error())
	case errors.Is(err, auditledger.ErrNotFound):
		respondError(c, http.StatusNotFound, codeNotFound, "entry not found")
	default:
		logger.Error(op, zap.Error(err))
		respondError(c, http.StatusServiceUnavailable, codeQueryFailed, "ledger query failed")
	}
}
