package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ubuygold/gopdf/internal/api"
	"github.com/ubuygold/gopdf/internal/config"
	"github.com/ubuygold/gopdf/internal/model"

	"github.com/gin-gonic/gin"
)

// KeyManager is the key store as seen by the admin endpoints.
type KeyManager interface {
	CreateKey(ctx context.Context, accountName, plan string) (*model.APIKey, string, error)
	List(ctx context.Context) ([]model.APIKey, error)
	Get(ctx context.Context, id uint) (*model.APIKey, error)
	Lookup(ctx context.Context, rawKey string) (*model.APIKey, error)
	Revoke(ctx context.Context, rawKey string) (*model.APIKey, error)
	RevokeByID(ctx context.Context, id uint) (*model.APIKey, error)
}

// UsageReader returns a key's usage for a period.
type UsageReader interface {
	Summary(ctx context.Context, apiKeyID uint, period string) (*model.UsageRecord, error)
}

// PlanLimits resolves a plan to its limits.
type PlanLimits interface {
	Limits(plan string) (config.PlanLimits, bool)
}

type CreateKeyRequest struct {
	AccountName string `json:"account_name"`
	Plan        string `json:"plan"`
}

type RevokeKeyRequest struct {
	APIKey string `json:"api_key"`
}

// KeyResponse is the admin view of a key. The raw key is only ever returned
// by CreateKeyHandler.
type KeyResponse struct {
	ID          uint       `json:"id"`
	KeyPrefix   string     `json:"key_prefix"`
	AccountName string     `json:"account_name"`
	Plan        string     `json:"plan"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

func newKeyResponse(key *model.APIKey) KeyResponse {
	return KeyResponse{
		ID:          key.ID,
		KeyPrefix:   key.KeyPrefix,
		AccountName: key.AccountName,
		Plan:        key.Plan,
		Status:      key.Status,
		CreatedAt:   key.CreatedAt,
		RevokedAt:   key.RevokedAt,
	}
}

type Handler struct {
	keys   KeyManager
	usage  UsageReader
	plans  PlanLimits
	logger *slog.Logger
}

func NewHandler(keys KeyManager, usage UsageReader, plans PlanLimits, logger *slog.Logger) *Handler {
	return &Handler{keys: keys, usage: usage, plans: plans, logger: logger.With("component", "admin")}
}

func (h *Handler) CreateKeyHandler(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	key, raw, err := h.keys.CreateKey(c.Request.Context(), req.AccountName, req.Plan)
	if err != nil {
		api.WriteError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"api_key": raw, "key": newKeyResponse(key)})
}

func (h *Handler) ListKeysHandler(c *gin.Context) {
	list, err := h.keys.List(c.Request.Context())
	if err != nil {
		api.WriteError(c, h.logger, err)
		return
	}

	out := make([]KeyResponse, 0, len(list))
	for i := range list {
		out = append(out, newKeyResponse(&list[i]))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) RevokeKeyHandler(c *gin.Context) {
	var req RevokeKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	key, err := h.keys.Revoke(c.Request.Context(), req.APIKey)
	if err != nil {
		api.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newKeyResponse(key))
}

func (h *Handler) RevokeKeyByIDHandler(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	key, err := h.keys.RevokeByID(c.Request.Context(), id)
	if err != nil {
		api.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newKeyResponse(key))
}

func (h *Handler) KeyUsageHandler(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	key, err := h.keys.Get(c.Request.Context(), id)
	if err != nil {
		api.WriteError(c, h.logger, err)
		return
	}
	h.writeSummary(c, key)
}

// UsageHandler looks a key up by its raw value, given as ?api_key=.
func (h *Handler) UsageHandler(c *gin.Context) {
	raw := c.Query("api_key")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "api_key query parameter is required"})
		return
	}

	key, err := h.keys.Lookup(c.Request.Context(), raw)
	if err != nil {
		api.WriteError(c, h.logger, err)
		return
	}
	h.writeSummary(c, key)
}

func (h *Handler) writeSummary(c *gin.Context, key *model.APIKey) {
	record, err := h.usage.Summary(c.Request.Context(), key.ID, c.Query("month"))
	if err != nil {
		api.WriteError(c, h.logger, err)
		return
	}
	limits, _ := h.plans.Limits(key.Plan)
	c.JSON(http.StatusOK, api.NewUsageSummary(key, record, limits))
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ID"})
		return 0, false
	}
	return uint(id), true
}
