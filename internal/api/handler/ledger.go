package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/AuditLedger/internal/auditledger"
	"go.uber.org/zap"
)

// ledgerReader is the read side of the ledger, satisfied by
// *auditledger.QueryService.
type ledgerReader interface {
	Query(ctx context.Context, p auditledger.QueryParams) (*auditledger.Page, error)
	Get(ctx context.Context, seq int64) (*auditledger.Entry, error)
	Overview(ctx context.Context) (*auditledger.Overview, error)
	VerifyRange(ctx context.Context, from, to int64, batchSize int) (auditledger.VerificationResult, error)
}

// LedgerHandler exposes the read-only ledger API.
type LedgerHandler struct {
	ledger        ledgerReader
	verifyDefault atomic.Bool
	batchSize     int
	logger        *zap.Logger
}

// NewLedgerHandler creates a LedgerHandler. Query pages are verified unless
// the request says otherwise; see SetVerifyDefault.
func NewLedgerHandler(ledger ledgerReader, logger *zap.Logger) *LedgerHandler {
	h := &LedgerHandler{ledger: ledger, batchSize: 500, logger: logger}
	h.verifyDefault.Store(true)
	return h
}

// SetVerifyDefault sets whether query pages are verified when the request
// has no verify parameter. Safe to call while serving.
func (h *LedgerHandler) SetVerifyDefault(v bool) { h.verifyDefault.Store(v) }

// SetBatchSize sets the batch size used by range verification.
func (h *LedgerHandler) SetBatchSize(n int) {
	if n > 0 {
		h.batchSize = n
	}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/entries", h.ListEntries)
		l.GET("/entries/:seq", h.GetEntry)
		l.GET("/verify", h.Verify)
	}
}

// entryView is an entry as rendered to the presentation layer.
type entryView struct {
	*auditledger.Entry
	ChainStatus string `json:"chain_status"`
	ChainReason string `json:"chain_reason,omitempty"`
}

// ListEntries handles GET /ledger/entries. Entries are filtered, paginated
// and newest first, each carrying its chain status.
func (h *LedgerHandler) ListEntries(c *gin.Context) {
	p, err := h.parseQuery(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidQuery, err.Error())
		return
	}

	page, err := h.ledger.Query(c.Request.Context(), p)
	if err != nil {
		respondReadError(c, h.logger, "ledger query", err)
		return
	}

	entries := make([]entryView, len(page.Entries))
	for i, e := range page.Entries {
		status, reason := page.ChainStatus(e.SequenceNumber)
		entries[i] = entryView{Entry: e, ChainStatus: status, ChainReason: reason}
	}

	resp := gin.H{
		"success":    true,
		"entries":    entries,
		"pagination": page.Pagination,
	}
	if page.Verification != nil {
		resp["verification"] = page.Verification
	}
	c.JSON(http.StatusOK, resp)
}

// GetEntry handles GET /ledger/entries/:seq.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq < 1 {
		respondError(c, http.StatusBadRequest, codeInvalidQuery, "seq must be a positive integer")
		return
	}

	entry, err := h.ledger.Get(c.Request.Context(), seq)
	if err != nil {
		respondReadError(c, h.logger, "ledger get", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "entry": entry})
}

// Overview handles GET /ledger: the chain length and tail hash.
func (h *LedgerHandler) Overview(c *gin.Context) {
	ov, err := h.ledger.Overview(c.Request.Context())
	if err != nil {
		respondReadError(c, h.logger, "ledger overview", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"total_entries": ov.TotalEntries,
		"tail_sequence": ov.TailSequence,
		"tail_hash":     ov.TailHash,
	})
}

// Verify handles GET /ledger/verify?from=&to=. It walks the range, or the
// whole chain when none is given, and reports every break.
func (h *LedgerHandler) Verify(c *gin.Context) {
	from, err := optionalSeq(c, "from")
	if err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidQuery, err.Error())
		return
	}
	to, err := optionalSeq(c, "to")
	if err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidQuery, err.Error())
		return
	}

	res, err := h.ledger.VerifyRange(c.Request.Context(), from, to, h.batchSize)
	if err != nil {
		respondReadError(c, h.logger, "ledger verify", err)
		return
	}
	breaks := res.Breaks
	if breaks == nil {
		breaks = []auditledger.Break{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"valid":     res.Valid,
		"checked":   res.Checked,
		"broken_at": res.BrokenAt,
		"reason":    res.Reason,
		"breaks":    breaks,
	})
}

func (h *LedgerHandler) parseQuery(c *gin.Context) (auditledger.QueryParams, error) {
	p := auditledger.QueryParams{
		ActorID:    strings.TrimSpace(c.Query("admin_id")),
		ActionType: auditledger.ActionType(strings.ToUpper(strings.TrimSpace(c.Query("action_type")))),
		EntityType: strings.TrimSpace(c.Query("entity_type")),
		EntityID:   strings.TrimSpace(c.Query("entity_id")),
		Verify:     h.verifyDefault.Load(),
	}

	var err error
	if p.Page, err = optionalInt(c, "page"); err != nil {
		return p, err
	}
	if p.Limit, err = optionalInt(c, "limit"); err != nil {
		return p, err
	}
	if p.AsOf, err = optionalSeq(c, "as_of"); err != nil {
		return p, err
	}
	if v := c.Query("verify"); v != "" {
		if p.Verify, err = strconv.ParseBool(v); err != nil {
			return p, &auditledger.QueryError{Field: "verify", Message: "must be true or false"}
		}
	}
	if p.Since, err = parseDate(c.Query("start_date"), false); err != nil {
		return p, &auditledger.QueryError{Field: "start_date", Message: err.Error()}
	}
	if p.Until, err = parseDate(c.Query("end_date"), true); err != nil {
		return p, &auditledger.QueryError{Field: "end_date", Message: err.Error()}
	}
	return p, nil
}

func optionalInt(c *gin.Context, name string) (int, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &auditledger.QueryError{Field: name, Message: "must be an integer"}
	}
	return n, nil
}

func optionalSeq(c *gin.Context, name string) (int64, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, &auditledger.QueryError{Field: name, Message: "must be a non-negative integer"}
	}
	return n, nil
}

// parseDate accepts RFC 3339 timestamps and YYYY-MM-DD dates (UTC). A bare
// end date covers the whole day.
func parseDate(v string, endOfDay bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	d, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, errInvalidDate
	}
	if endOfDay {
		return d.Add(24*time.Hour - time.Microsecond), nil
	}
	return d, nil
}
