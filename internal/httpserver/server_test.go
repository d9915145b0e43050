package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/internal/httpserver"
	"github.com/MarkoPoloResearchLab/wallet/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	healthPath          = "/healthz"
	walletPath          = "/api/wallet"
	depositPath         = "/api/wallet/deposit"
	withdrawPath        = "/api/wallet/withdraw"
	paySubscriptionPath = "/api/wallet/pay-subscription"
	webhookPath         = "/wallet/webhook/mobile-money"
	webhookSecretHeader = "X-Webhook-Secret"
	contentTypeHeader   = "Content-Type"
	contentTypeJSON     = "application/json"
	sessionIssuer       = "tauth"
	sessionUserID       = "demo-user"
	sessionUserEmail    = "demo@example.com"
	sessionPhone        = "+221770000001"
	webhookSecret       = "hook-secret"
	webhookReference    = "MM-2024-0001"
)

type operationEnvelope struct {
	Wallet                walletPayload      `json:"wallet"`
	Transaction           transactionPayload `json:"transaction"`
	SubscriptionExpiresAt string             `json:"subscription_expires_at"`
}

type statementEnvelope struct {
	Wallet       walletPayload        `json:"wallet"`
	Transactions []transactionPayload `json:"transactions"`
}

type webhookEnvelope struct {
	Success bool              `json:"success"`
	Data    statementEnvelope `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type walletPayload struct {
	WalletID string `json:"wallet_id"`
	UserID   string `json:"user_id"`
	Balance  string `json:"balance"`
	Currency string `json:"currency"`
	IsActive bool   `json:"is_active"`
}

type transactionPayload struct {
	TransactionID string `json:"transaction_id"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	Reference     string `json:"reference"`
	Description   string `json:"description"`
}

func TestRun_WalletFlowIntegration(t *testing.T) {
	listenAddress := allocateListenAddress(t)
	configuration := httpserver.Config{
		ListenAddr:        listenAddress,
		AllowedOrigins:    []string{"http://localhost:8000"},
		SessionSigningKey: "secret-key",
		SessionIssuer:     sessionIssuer,
		SessionCookieName: "app_session",
		WebhookSecret:     webhookSecret,
		RequestTimeout:    2 * time.Second,
	}

	service := startWalletService(t)

	runContext, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	runErrors := make(chan error, 1)
	go func() { runErrors <- httpserver.Run(runContext, configuration, service, zap.NewNop()) }()

	waitForServerHealthy(t, configuration.ListenAddr)

	sessionCookie := buildSessionCookie(t, configuration)
	httpClient := &http.Client{Timeout: 2 * time.Second}
	baseURL := fmt.Sprintf("http://%s", configuration.ListenAddr)

	testCases := []struct {
		name   string
		action func(*testing.T)
	}{
		{
			name: "wallet endpoint creates wallet lazily",
			action: func(t *testing.T) {
				var envelope statementEnvelope
				executeJSONRequest(t, httpClient, http.MethodGet, baseURL+walletPath, sessionCookie, nil, http.StatusOK, &envelope)
				if envelope.Wallet.UserID != sessionUserID {
					t.Fatalf("expected wallet owner %s, received %s", sessionUserID, envelope.Wallet.UserID)
				}
				if envelope.Wallet.Balance != "0" {
					t.Fatalf("expected zero balance, received %s", envelope.Wallet.Balance)
				}
			},
		},
		{
			name: "deposit credits wallet",
			action: func(t *testing.T) {
				var envelope operationEnvelope
				executeJSONRequest(t, httpClient, http.MethodPost, baseURL+depositPath, sessionCookie, map[string]any{"amount": "100"}, http.StatusOK, &envelope)
				if envelope.Wallet.Balance != "100" {
					t.Fatalf("expected balance 100, received %s", envelope.Wallet.Balance)
				}
				if envelope.Transaction.Type != "DEPOSIT" {
					t.Fatalf("expected DEPOSIT transaction, received %s", envelope.Transaction.Type)
				}
			},
		},
		{
			name: "withdraw debits wallet",
			action: func(t *testing.T) {
				var envelope operationEnvelope
				executeJSONRequest(t, httpClient, http.MethodPost, baseURL+withdrawPath, sessionCookie, map[string]any{"amount": "40"}, http.StatusOK, &envelope)
				if envelope.Wallet.Balance != "60" {
					t.Fatalf("expected balance 60, received %s", envelope.Wallet.Balance)
				}
			},
		},
		{
			name: "withdraw beyond balance is rejected",
			action: func(t *testing.T) {
				var envelope errorEnvelope
				executeJSONRequest(t, httpClient, http.MethodPost, baseURL+withdrawPath, sessionCookie, map[string]any{"amount": "1000"}, http.StatusBadRequest, &envelope)
				if envelope.Error.Code != "insufficient_funds" {
					t.Fatalf("expected insufficient_funds, received %s", envelope.Error.Code)
				}
			},
		},
		{
			name: "invalid amount is rejected",
			action: func(t *testing.T) {
				var envelope errorEnvelope
				executeJSONRequest(t, httpClient, http.MethodPost, baseURL+depositPath, sessionCookie, map[string]any{"amount": "-5"}, http.StatusBadRequest, &envelope)
				if envelope.Error.Code != "invalid_payload" {
					t.Fatalf("expected invalid_payload, received %s", envelope.Error.Code)
				}
			},
		},
		{
			name: "subscription payment extends entitlement",
			action: func(t *testing.T) {
				var envelope operationEnvelope
				executeJSONRequest(t, httpClient, http.MethodPost, baseURL+paySubscriptionPath, sessionCookie, map[string]any{"amount": "30"}, http.StatusOK, &envelope)
				if envelope.Wallet.Balance != "30" {
					t.Fatalf("expected balance 30, received %s", envelope.Wallet.Balance)
				}
				if envelope.SubscriptionExpiresAt == "" {
					t.Fatal("expected a subscription expiry date")
				}
				if envelope.Transaction.Type != "SUBSCRIPTION_PAYMENT" {
					t.Fatalf("expected SUBSCRIPTION_PAYMENT, received %s", envelope.Transaction.Type)
				}
			},
		},
		{
			name: "webhook rejects missing secret",
			action: func(t *testing.T) {
				payload := mustJSONMarshal(t, map[string]any{"phoneNumber": sessionPhone, "amount": "50", "reference": webhookReference})
				request, err := http.NewRequest(http.MethodPost, baseURL+webhookPath, bytes.NewReader(payload))
				if err != nil {
					t.Fatalf("request init failed: %v", err)
				}
				request.Header.Set(contentTypeHeader, contentTypeJSON)
				response, err := httpClient.Do(request)
				if err != nil {
					t.Fatalf("request failed: %v", err)
				}
				defer response.Body.Close()
				if response.StatusCode != http.StatusUnauthorized {
					t.Fatalf("expected 401, received %d", response.StatusCode)
				}
			},
		},
		{
			name: "webhook credits wallet",
			action: func(t *testing.T) {
				envelope := executeWebhookRequest(t, httpClient, baseURL)
				if !envelope.Success {
					t.Fatal("expected success response")
				}
				if envelope.Data.Wallet.Balance != "80" {
					t.Fatalf("expected balance 80, received %s", envelope.Data.Wallet.Balance)
				}
			},
		},
		{
			name: "webhook redelivery credits only once",
			action: func(t *testing.T) {
				envelope := executeWebhookRequest(t, httpClient, baseURL)
				if !envelope.Success {
					t.Fatal("expected success response")
				}
				if envelope.Data.Wallet.Balance != "80" {
					t.Fatalf("expected balance still 80, received %s", envelope.Data.Wallet.Balance)
				}
				var matching int
				for _, transaction := range envelope.Data.Transactions {
					if transaction.Reference == webhookReference {
						matching++
					}
				}
				if matching != 1 {
					t.Fatalf("expected one transaction with reference %s, received %d", webhookReference, matching)
				}
			},
		},
		{
			name: "missing session is rejected",
			action: func(t *testing.T) {
				request, err := http.NewRequest(http.MethodGet, baseURL+walletPath, nil)
				if err != nil {
					t.Fatalf("request init failed: %v", err)
				}
				response, err := httpClient.Do(request)
				if err != nil {
					t.Fatalf("request failed: %v", err)
				}
				defer response.Body.Close()
				if response.StatusCode != http.StatusUnauthorized {
					t.Fatalf("expected 401, received %d", response.StatusCode)
				}
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, testCase.action)
	}

	cancelRun()
	if err := <-runErrors; err != nil {
		t.Fatalf("httpserver run returned error: %v", err)
	}
}

func startWalletService(t *testing.T) *wallet.Service {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "wallet.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open failed: %v", err)
	}
	if err := database.AutoMigrate(&gormstore.Wallet{}, &gormstore.Transaction{}, &gormstore.User{}); err != nil {
		t.Fatalf("automigrate failed: %v", err)
	}
	phone := sessionPhone
	if err := database.Create(&gormstore.User{UserID: sessionUserID, Phone: &phone}).Error; err != nil {
		t.Fatalf("seed user failed: %v", err)
	}
	store := gormstore.New(database)
	service, err := wallet.NewService(store, store, func() time.Time { return time.Now().UTC() })
	if err != nil {
		t.Fatalf("wallet service init failed: %v", err)
	}
	return service
}

func executeWebhookRequest(t *testing.T, client *http.Client, baseURL string) webhookEnvelope {
	t.Helper()
	payload := mustJSONMarshal(t, map[string]any{
		"phoneNumber": sessionPhone,
		"amount":      "50",
		"reference":   webhookReference,
		"metadata":    map[string]any{"provider": "wave"},
	})
	request, err := http.NewRequest(http.MethodPost, baseURL+webhookPath, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("webhook request init failed: %v", err)
	}
	request.Header.Set(contentTypeHeader, contentTypeJSON)
	request.Header.Set(webhookSecretHeader, webhookSecret)
	response, err := client.Do(request)
	if err != nil {
		t.Fatalf("webhook request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected webhook status code: %d", response.StatusCode)
	}
	var envelope webhookEnvelope
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		t.Fatalf("webhook response decode failed: %v", err)
	}
	return envelope
}

func executeJSONRequest(t *testing.T, client *http.Client, method string, requestURL string, cookie *http.Cookie, payload map[string]any, wantStatus int, out any) {
	t.Helper()
	var requestBody *bytes.Reader
	if payload != nil {
		requestBody = bytes.NewReader(mustJSONMarshal(t, payload))
	} else {
		requestBody = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, requestURL, requestBody)
	if err != nil {
		t.Fatalf("request init failed for %s: %v", requestURL, err)
	}
	if payload != nil {
		request.Header.Set(contentTypeHeader, contentTypeJSON)
	}
	request.AddCookie(cookie)

	response, err := client.Do(request)
	if err != nil {
		t.Fatalf("request failed for %s: %v", requestURL, err)
	}
	defer response.Body.Close()
	if response.StatusCode != wantStatus {
		t.Fatalf("unexpected status code for %s: %d", requestURL, response.StatusCode)
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		t.Fatalf("response decode failed for %s: %v", requestURL, err)
	}
}

func mustJSONMarshal(t *testing.T, payload map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return raw
}

func waitForServerHealthy(t *testing.T, listenAddress string) {
	t.Helper()
	healthURL := fmt.Sprintf("http://%s%s", listenAddress, healthPath)
	httpClient := &http.Client{Timeout: 500 * time.Millisecond}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		response, err := httpClient.Get(healthURL)
		if err == nil && response.StatusCode == http.StatusOK {
			response.Body.Close()
			return
		}
		if response != nil {
			response.Body.Close()
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server did not become healthy at %s", healthURL)
}

func buildSessionCookie(t *testing.T, configuration httpserver.Config) *http.Cookie {
	claims := &sessionvalidator.Claims{
		UserID:    sessionUserID,
		UserEmail: sessionUserEmail,
		UserRoles: []string{"member"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    configuration.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString([]byte(configuration.SessionSigningKey))
	if err != nil {
		t.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: configuration.SessionCookieName, Value: signedToken}
}

func allocateListenAddress(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen address allocation failed: %v", err)
	}
	address := listener.Addr().String()
	_ = listener.Close()
	return address
}
