package handlers

import (
	"errors"
	"log/slog"
	"strconv"

	"switchboard/internal/db"
	"switchboard/internal/middleware"

	"github.com/gofiber/fiber/v3"
)

// WalletHandler serves the authenticated tenant's balance and ledger history.
type WalletHandler struct {
	db db.Database
}

// NewWalletHandler creates a new wallet handler
func NewWalletHandler(database db.Database) *WalletHandler {
	return &WalletHandler{db: database}
}

// RegisterRoutes registers wallet routes behind tenant auth
func (h *WalletHandler) RegisterRoutes(app *fiber.App, auth fiber.Handler) {
	wallet := app.Group("/wallet", auth)
	wallet.Get("/", h.GetWallet)
	wallet.Get("/transactions", h.GetTransactions)
}

// WalletResponse is the tenant-facing balance view
type WalletResponse struct {
	OrgID              string `json:"org_id"`
	Name               string `json:"name"`
	WalletBalancePence int64  `json:"wallet_balance_pence"`
	DebtLimitPence     int64  `json:"debt_limit_pence"`
}

// GetWallet returns the current wallet balance for the authenticated org
func (h *WalletHandler) GetWallet(c fiber.Ctx) error {
	orgID, ok := middleware.GetOrgID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Not authenticated",
		})
	}

	org, err := h.db.GetOrganizationByID(c.Context(), orgID)
	if err != nil {
		if errors.Is(err, db.ErrOrgNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Organization not found",
			})
		}
		slog.Error("failed to get organization", "org_id", orgID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}

	return c.JSON(WalletResponse{
		OrgID:              org.ID.String(),
		Name:               org.Name,
		WalletBalancePence: org.WalletBalancePence,
		DebtLimitPence:     org.DebtLimitPence,
	})
}

// TransactionsResponse is a page of ledger entries, newest first
type TransactionsResponse struct {
	Entries []*db.LedgerEntry `json:"entries"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

// GetTransactions returns the org's ledger entries with pagination
func (h *WalletHandler) GetTransactions(c fiber.Ctx) error {
	orgID, ok := middleware.GetOrgID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Not authenticated",
		})
	}

	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	if limit < 1 || limit > 1000 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "limit must be between 1 and 1000",
		})
	}
	if offset < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "offset must be non-negative",
		})
	}

	entries, err := h.db.GetLedgerEntriesByOrg(c.Context(), orgID, limit, offset)
	if err != nil {
		slog.Error("failed to get ledger entries", "org_id", orgID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
	if entries == nil {
		entries = []*db.LedgerEntry{}
	}

	return c.JSON(TransactionsResponse{
		Entries: entries,
		Limit:   limit,
		Offset:  offset,
	})
}

func queryInt(c fiber.Ctx, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}
