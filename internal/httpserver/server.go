package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	webhookSecretHeader = "X-Webhook-Secret"
	expiryDateLayout    = "2006-01-02"
)

// Run boots the HTTP façade using the supplied configuration.
func Run(ctx context.Context, cfg Config, service *wallet.Service, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}

	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("wallet api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider callbacks carry no user session; they authenticate with a
	// shared secret instead.
	router.POST("/wallet/webhook/mobile-money", handler.handleMobileMoneyWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware("auth_claims"))

	api.GET("/wallet", handler.handleGetWallet)
	api.POST("/wallet/deposit", handler.handleDeposit)
	api.POST("/wallet/withdraw", handler.handleWithdraw)
	api.POST("/wallet/pay-subscription", handler.handlePaySubscription)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *wallet.Service
	cfg     Config
}

func (handler *httpHandler) handleGetWallet(ctx *gin.Context) {
	userID, ok := handler.callerUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	statement, err := handler.service.GetWallet(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, statementPayloadFrom(statement))
}

func (handler *httpHandler) handleDeposit(ctx *gin.Context) {
	userID, ok := handler.callerUserID(ctx)
	if !ok {
		return
	}
	var request depositRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := wallet.ParseAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var reference *wallet.Reference
	if request.Reference != "" {
		parsed, referenceErr := wallet.NewReference(request.Reference)
		if referenceErr != nil {
			handler.respondError(ctx, referenceErr)
			return
		}
		reference = &parsed
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	result, err := handler.service.Deposit(requestCtx, userID, amount, reference)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"wallet":      walletPayloadFrom(result.Wallet),
		"transaction": transactionPayloadFrom(result.Transaction),
	})
}

func (handler *httpHandler) handleWithdraw(ctx *gin.Context) {
	userID, ok := handler.callerUserID(ctx)
	if !ok {
		return
	}
	var request withdrawRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := wallet.ParseAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	result, err := handler.service.Withdraw(requestCtx, userID, amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"wallet":      walletPayloadFrom(result.Wallet),
		"transaction": transactionPayloadFrom(result.Transaction),
	})
}

func (handler *httpHandler) handlePaySubscription(ctx *gin.Context) {
	userID, ok := handler.callerUserID(ctx)
	if !ok {
		return
	}
	var request paySubscriptionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := wallet.ParseAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	result, err := handler.service.PaySubscription(requestCtx, userID, amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"wallet":                  walletPayloadFrom(result.Wallet),
		"transaction":             transactionPayloadFrom(result.Transaction),
		"subscription_expires_at": result.SubscriptionExpiresAt.Format(expiryDateLayout),
	})
}

func (handler *httpHandler) handleMobileMoneyWebhook(ctx *gin.Context) {
	providedSecret := ctx.GetHeader(webhookSecretHeader)
	if subtle.ConstantTimeCompare([]byte(providedSecret), []byte(handler.cfg.WebhookSecret)) != 1 {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid webhook secret"))
		return
	}
	var request webhookRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	phone, err := wallet.NewPhoneNumber(request.PhoneNumber)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := wallet.ParseAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	reference, err := wallet.NewReference(request.Reference)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	metadata, err := wallet.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	statement, err := handler.service.ExternalDeposit(requestCtx, phone, amount, reference, metadata)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    statementPayloadFrom(statement),
	})
}

func (handler *httpHandler) callerUserID(ctx *gin.Context) (wallet.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return wallet.UserID{}, false
	}
	userID, err := wallet.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing user id"))
		return wallet.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInvalidPhoneNumber),
		errors.Is(err, wallet.ErrInvalidReference),
		errors.Is(err, wallet.ErrInvalidMetadataJSON):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
	case errors.Is(err, wallet.ErrInsufficientFunds):
		ctx.JSON(http.StatusBadRequest, errorResponse("insufficient_funds", "balance is lower than the requested amount"))
	case errors.Is(err, wallet.ErrWalletNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("wallet_not_found", "no wallet for this user"))
	case errors.Is(err, wallet.ErrUserNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("user_not_found", "no user matches the request"))
	case errors.Is(err, wallet.ErrWalletInactive):
		ctx.JSON(http.StatusForbidden, errorResponse("wallet_inactive", "wallet is deactivated"))
	case errors.Is(err, wallet.ErrStorageConflict):
		ctx.JSON(http.StatusConflict, errorResponse("conflict", "concurrent update, retry the request"))
	default:
		handler.logger.Error("wallet operation failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("wallet_error", "operation failed"))
	}
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

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get("auth_claims")
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type depositRequest struct {
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

type withdrawRequest struct {
	Amount string `json:"amount"`
}

type paySubscriptionRequest struct {
	Amount string `json:"amount"`
}

type webhookRequest struct {
	PhoneNumber string         `json:"phoneNumber"`
	Amount      string         `json:"amount"`
	Reference   string         `json:"reference"`
	Metadata    map[string]any `json:"metadata"`
}

type walletPayload struct {
	WalletID  string `json:"wallet_id"`
	UserID    string `json:"user_id"`
	Balance   string `json:"balance"`
	Currency  string `json:"currency"`
	IsActive  bool   `json:"is_active"`
	UpdatedAt int64  `json:"updated_unix_utc"`
}

type transactionPayload struct {
	TransactionID string          `json:"transaction_id"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	Amount        string          `json:"amount"`
	Reference     string          `json:"reference,omitempty"`
	Description   string          `json:"description"`
	Metadata      json.RawMessage `json:"metadata"`
	CreatedUnix   int64           `json:"created_unix_utc"`
}

type statementPayload struct {
	Wallet       walletPayload        `json:"wallet"`
	Transactions []transactionPayload `json:"transactions"`
}

func walletPayloadFrom(record wallet.Wallet) walletPayload {
	return walletPayload{
		WalletID:  record.WalletID,
		UserID:    record.UserID,
		Balance:   record.Balance.String(),
		Currency:  record.Currency,
		IsActive:  record.IsActive,
		UpdatedAt: record.UpdatedAt.UTC().Unix(),
	}
}

func transactionPayloadFrom(record wallet.Transaction) transactionPayload {
	metadata := record.MetadataJSON
	if metadata == "" {
		metadata = "{}"
	}
	return transactionPayload{
		TransactionID: record.TransactionID,
		Type:          record.Type.String(),
		Status:        record.Status.String(),
		Amount:        record.Amount.String(),
		Reference:     record.Reference,
		Description:   record.Description,
		Metadata:      json.RawMessage(metadata),
		CreatedUnix:   record.CreatedAt.UTC().Unix(),
	}
}

func statementPayloadFrom(statement wallet.Statement) statementPayload {
	transactions := make([]transactionPayload, 0, len(statement.Transactions))
	for _, transaction := range statement.Transactions {
		transactions = append(transactions, transactionPayloadFrom(transaction))
	}
	return statementPayload{
		Wallet:       walletPayloadFrom(statement.Wallet),
		Transactions: transactions,
	}
}
