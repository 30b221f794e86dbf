package handlers

import (
	"errors"
	"net/http"

	"github.com/creatorlens/creatorlens/internal/db"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GetWallet returns the tenant's balance and its most recent committed
// ledger movements.
func (h *Handler) GetWallet(c *gin.Context) {
	tenantID := c.GetString("tenant_id")

	wallet, recent, err := h.ledger.Balance(c.Request.Context(), tenantID, 20)
	if errors.Is(err, db.ErrWalletNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to load wallet", zap.Error(err), zap.String("tenant_id", tenantID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get wallet"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenant_id": tenantID,
		"balance":   wallet.Balance,
		"recent":    recent,
	})
}
