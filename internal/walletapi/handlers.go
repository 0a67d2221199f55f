package walletapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GreenLoopResearchLab/wallet/pkg/wallet"
)

// WalletService is the slice of wallet.Service the HTTP layer depends on.
type WalletService interface {
	Register(ctx context.Context, userID wallet.UserID) (wallet.Account, error)
	Balance(ctx context.Context, userID wallet.UserID) (wallet.Account, error)
	ListEntries(ctx context.Context, userID wallet.UserID, beforeUnixUTC int64, limit int) ([]wallet.Entry, error)
	StartConversion(ctx context.Context, userID wallet.UserID, request wallet.ConversionRequest) (wallet.ChallengeReceipt, error)
	ConfirmConversion(ctx context.Context, userID wallet.UserID, request wallet.ConversionRequest, code wallet.OTPCode) (wallet.Account, wallet.Entry, error)
	Purchase(ctx context.Context, userID wallet.UserID, itemID string) (wallet.Account, wallet.Entry, error)
	Reward(ctx context.Context, userID wallet.UserID, amount wallet.CreditAmount, description string, reference string) (wallet.Account, wallet.Entry, error)
	ConfirmPayout(ctx context.Context, entryID string) error
	FailPayout(ctx context.Context, entryID string) error
}

type httpHandler struct {
	logger  *zap.Logger
	service WalletService
	cfg     Config
}

type conversionPayload struct {
	Direction         string         `json:"direction"`
	MoneyAmount       int64          `json:"money_amount"`
	PaymentMethod     string         `json:"payment_method"`
	PayoutDestination string         `json:"payout_destination"`
	Metadata          map[string]any `json:"metadata"`
}

type confirmConversionPayload struct {
	conversionPayload
	Code string `json:"code"`
}

type purchasePayload struct {
	ItemID string `json:"item_id"`
}

type rewardPayload struct {
	UserID        string `json:"user_id"`
	AmountCredits int64  `json:"amount_credits"`
	Description   string `json:"description"`
	Reference     string `json:"reference"`
}

type accountPayload struct {
	UserID         string `json:"user_id"`
	BalanceCredits int64  `json:"balance_credits"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type entryPayload struct {
	EntryID          string          `json:"entry_id"`
	Kind             string          `json:"kind"`
	AmountCredits    int64           `json:"amount_credits"`
	Description      string          `json:"description"`
	PaymentReference string          `json:"payment_reference"`
	Status           string          `json:"status"`
	Metadata         json.RawMessage `json:"metadata"`
	CreatedUnixUTC   int64           `json:"created_unix_utc"`
}

func (handler *httpHandler) handleRegister(ctx *gin.Context) {
	userID, ok := handler.requestUserID(ctx)
	if !ok {
		return
	}
	account, err := handler.service.Register(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, "register", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"account": mapAccount(account)})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, ok := handler.requestUserID(ctx)
	if !ok {
		return
	}
	account, err := handler.service.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, "wallet", err)
		return
	}
	entries, err := handler.service.ListEntries(ctx.Request.Context(), userID, 0, handler.cfg.HistoryLimit)
	if err != nil {
		handler.respondError(ctx, "wallet", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account": mapAccount(account),
		"entries": mapEntries(entries),
	})
}

func (handler *httpHandler) handleListEntries(ctx *gin.Context) {
	userID, ok := handler.requestUserID(ctx)
	if !ok {
		return
	}
	before, err := queryInt64(ctx, "before", 0)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "before must be a unix timestamp"))
		return
	}
	limit, err := queryInt64(ctx, "limit", int64(handler.cfg.HistoryLimit))
	if err != nil || limit <= 0 || limit > maxHistoryLimit {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "limit is out of range"))
		return
	}
	entries, err := handler.service.ListEntries(ctx.Request.Context(), userID, before, int(limit))
	if err != nil {
		handler.respondError(ctx, "list_entries", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": mapEntries(entries)})
}

func (handler *httpHandler) handleStartConversion(ctx *gin.Context) {
	userID, ok := handler.requestUserID(ctx)
	if !ok {
		return
	}
	var payload conversionPayload
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "expected JSON body"))
		return
	}
	request, err := mapConversionRequest(payload)
	if err != nil {
		handler.respondError(ctx, "start_conversion", err)
		return
	}
	receipt, err := handler.service.StartConversion(ctx.Request.Context(), userID, request)
	if err != nil {
		handler.respondError(ctx, "start_conversion", err)
		return
	}
	// The code itself travels out of band; callers only learn the window
	// and the credit magnitude they are about to confirm.
	ctx.JSON(http.StatusAccepted, gin.H{
		"expires_at_unix_utc": receipt.ExpiresAtUnixUTC,
		"amount_credits":      receipt.CreditAmount.Int64(),
	})
}

func (handler *httpHandler) handleConfirmConversion(ctx *gin.Context) {
	userID, ok := handler.requestUserID(ctx)
	if !ok {
		return
	}
	var payload confirmConversionPayload
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "expected JSON body"))
		return
	}
	request, err := mapConversionRequest(payload.conversionPayload)
	if err != nil {
		handler.respondError(ctx, "confirm_conversion", err)
		return
	}
	code, err := wallet.NewOTPCode(payload.Code)
	if err != nil {
		handler.respondError(ctx, "confirm_conversion", err)
		return
	}
	account, entry, err := handler.service.ConfirmConversion(ctx.Request.Context(), userID, request, code)
	if err != nil {
		handler.respondError(ctx, "confirm_conversion", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account": mapAccount(account),
		"entry":   mapEntry(entry),
	})
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	userID, ok := handler.requestUserID(ctx)
	if !ok {
		return
	}
	var payload purchasePayload
	if err := ctx.ShouldBindJSON(&payload); err != nil || payload.ItemID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "item_id is required"))
		return
	}
	account, entry, err := handler.service.Purchase(ctx.Request.Context(), userID, payload.ItemID)
	if err != nil {
		handler.respondError(ctx, "purchase", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account": mapAccount(account),
		"entry":   mapEntry(entry),
	})
}

func (handler *httpHandler) handleReward(ctx *gin.Context) {
	var payload rewardPayload
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "expected JSON body"))
		return
	}
	userID, err := wallet.NewUserID(payload.UserID)
	if err != nil {
		handler.respondError(ctx, "reward", err)
		return
	}
	amount, err := wallet.NewCreditAmount(payload.AmountCredits)
	if err != nil {
		handler.respondError(ctx, "reward", err)
		return
	}
	account, entry, err := handler.service.Reward(ctx.Request.Context(), userID, amount, payload.Description, payload.Reference)
	if err != nil {
		handler.respondError(ctx, "reward", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account": mapAccount(account),
		"entry":   mapEntry(entry),
	})
}

func (handler *httpHandler) handlePayoutConfirm(ctx *gin.Context) {
	entryID := ctx.Param("entryID")
	if err := handler.service.ConfirmPayout(ctx.Request.Context(), entryID); err != nil {
		handler.respondError(ctx, "payout_confirm", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handlePayoutFail(ctx *gin.Context) {
	entryID := ctx.Param("entryID")
	if err := handler.service.FailPayout(ctx.Request.Context(), entryID); err != nil {
		handler.respondError(ctx, "payout_fail", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) requestUserID(ctx *gin.Context) (wallet.UserID, bool) {
	raw := authenticatedUserID(ctx)
	userID, err := wallet.NewUserID(raw)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing subject"))
		return wallet.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	status, code, message := mapDomainError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed",
			zap.String("operation", operation),
			zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, message))
}

func mapConversionRequest(payload conversionPayload) (wallet.ConversionRequest, error) {
	direction, err := wallet.ParseConversionDirection(payload.Direction)
	if err != nil {
		return wallet.ConversionRequest{}, err
	}
	money, err := wallet.NewMoneyAmount(payload.MoneyAmount)
	if err != nil {
		return wallet.ConversionRequest{}, err
	}
	metadata, err := wallet.NewMetadataJSON(marshalMetadata(payload.Metadata))
	if err != nil {
		return wallet.ConversionRequest{}, err
	}
	return wallet.ConversionRequest{
		Direction:         direction,
		Money:             money,
		PaymentMethod:     payload.PaymentMethod,
		PayoutDestination: payload.PayoutDestination,
		Metadata:          metadata,
	}, nil
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func mapAccount(account wallet.Account) accountPayload {
	return accountPayload{
		UserID:         account.UserID.String(),
		BalanceCredits: account.BalanceCredits,
		CreatedUnixUTC: account.CreatedUnixUTC,
	}
}

func mapEntries(entries []wallet.Entry) []entryPayload {
	payloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, mapEntry(entry))
	}
	return payloads
}

func mapEntry(entry wallet.Entry) entryPayload {
	metadata := entry.Metadata.String()
	if metadata == "" {
		metadata = "{}"
	}
	return entryPayload{
		EntryID:          entry.EntryID,
		Kind:             entry.Kind.String(),
		AmountCredits:    entry.AmountCredits.Int64(),
		Description:      entry.Description,
		PaymentReference: entry.PaymentReference,
		Status:           entry.Status.String(),
		Metadata:         json.RawMessage(metadata),
		CreatedUnixUTC:   entry.CreatedUnixUTC,
	}
}

func queryInt64(ctx *gin.Context, name string, fallback int64) (int64, error) {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func mapDomainError(err error) (int, string, string) {
	switch {
	case errors.Is(err, wallet.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance", "balance cannot cover the requested amount"
	case errors.Is(err, wallet.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found", "account does not exist"
	case errors.Is(err, wallet.ErrAccountExists):
		return http.StatusConflict, "account_exists", "account already registered"
	case errors.Is(err, wallet.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found", "ledger entry does not exist"
	case errors.Is(err, wallet.ErrEntryStatusConflict):
		return http.StatusConflict, "entry_status_conflict", "entry already settled"
	case errors.Is(err, wallet.ErrDuplicateReference):
		return http.StatusConflict, "duplicate_reference", "payment reference already applied"
	case errors.Is(err, wallet.ErrChallengeNotFound):
		return http.StatusUnprocessableEntity, "otp_not_found", "no active verification code"
	case errors.Is(err, wallet.ErrChallengeExpired):
		return http.StatusUnprocessableEntity, "otp_expired", "verification code expired"
	case errors.Is(err, wallet.ErrChallengeMismatch):
		return http.StatusUnprocessableEntity, "otp_mismatch", "verification code does not match"
	case errors.Is(err, wallet.ErrExternalPaymentFailed):
		return http.StatusBadGateway, "payment_failed", "payment capture failed"
	case errors.Is(err, wallet.ErrExternalPayoutFailed):
		return http.StatusBadGateway, "payout_failed", "payout initiation failed"
	case errors.Is(err, wallet.ErrStockUnavailable):
		return http.StatusConflict, "stock_unavailable", "item is out of stock"
	case errors.Is(err, wallet.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount", "amount must be a positive integer"
	case errors.Is(err, wallet.ErrInvalidCode):
		return http.StatusBadRequest, "invalid_request", "code must be six digits"
	case errors.Is(err, wallet.ErrInvalidUserID),
		errors.Is(err, wallet.ErrInvalidDirection),
		errors.Is(err, wallet.ErrInvalidMetadataJSON):
		return http.StatusBadRequest, "invalid_request", "request failed validation"
	default:
		return http.StatusInternalServerError, "internal", "internal error"
	}
}
