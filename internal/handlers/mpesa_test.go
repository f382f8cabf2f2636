package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markjakearzadon/mpesapay-gobackend.git/internal/ledger"
	"github.com/markjakearzadon/mpesapay-gobackend.git/internal/models"
	"github.com/markjakearzadon/mpesapay-gobackend.git/internal/services"
	"github.com/markjakearzadon/mpesapay-gobackend.git/internal/store"
)

type stubGateway struct {
	initiateFunc func(ctx context.Context, phoneNumber string, amount float64, accountReference, description string) (*services.STKPushResponse, error)
	queryFunc    func(ctx context.Context, checkoutRequestID string) (*services.STKQueryResponse, error)
}

func (g *stubGateway) InitiateSTKPush(ctx context.Context, phoneNumber string, amount float64, accountReference, description string) (*services.STKPushResponse, error) {
	return g.initiateFunc(ctx, phoneNumber, amount, accountReference, description)
}

func (g *stubGateway) QueryStatus(ctx context.Context, checkoutRequestID string) (*services.STKQueryResponse, error) {
	return g.queryFunc(ctx, checkoutRequestID)
}

type stubLedger struct {
	mu   sync.Mutex
	rows map[string]models.Transaction
}

func newStubLedger() *stubLedger {
	return &stubLedger{rows: make(map[string]models.Transaction)}
}

func (l *stubLedger) Insert(ctx context.Context, transaction *models.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.rows[transaction.CheckoutRequestID]; exists {
		return ledger.ErrDuplicateTransaction
	}
	l.rows[transaction.CheckoutRequestID] = *transaction
	return nil
}

func (l *stubLedger) FindByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, exists := l.rows[checkoutRequestID]
	if !exists {
		return nil, ledger.ErrTransactionNotFound
	}
	return &row, nil
}

func (l *stubLedger) ListByUser(ctx context.Context, userID string, limit, offset int64) ([]models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var rows []models.Transaction
	for _, row := range l.rows {
		if row.UserID == userID {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func newTestHandler(gateway services.MpesaGateway) (*MpesaHandler, *store.MemoryStore, *stubLedger) {
	pending := store.NewMemoryStore(store.IntentTTL)
	txLedger := newStubLedger()
	service := services.NewMpesaService(gateway, pending, txLedger, true)
	return NewMpesaHandler(service), pending, txLedger
}

func signToken(t *testing.T, secret, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": userID})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestCallbackAlwaysAcksSuccess(t *testing.T) {
	tests := []struct {
		name string
		body string
		seed bool
	}{
		{
			name: "successful payment callback",
			body: `{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"Success","CallbackMetadata":{"Item":[{"Name":"MpesaReceiptNumber","Value":"ABC123"},{"Name":"Amount","Value":500}]}}}}`,
			seed: true,
		},
		{
			name: "cancelled payment callback",
			body: `{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_1","ResultCode":1032,"ResultDesc":"Request cancelled by user."}}}`,
			seed: true,
		},
		{
			name: "unknown checkout request id",
			body: `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_unknown","ResultCode":0,"ResultDesc":"Success"}}}`,
		},
		{
			name: "malformed body",
			body: `{"Body": not json at all`,
		},
		{
			name: "empty body",
			body: ``,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, pending, _ := newTestHandler(&stubGateway{})
			if tt.seed {
				require.NoError(t, pending.Put(context.Background(), "ws_CO_1", &models.PendingIntent{
					CheckoutRequestID: "ws_CO_1",
					UserID:            "user-1",
					PhoneNumber:       "254712345678",
					Amount:            500,
					CreatedAt:         time.Now(),
				}))
			}

			req := httptest.NewRequest(http.MethodPost, "/api/mpesa/callback", bytes.NewBufferString(tt.body))
			rr := httptest.NewRecorder()
			handler.Callback(rr, req)

			assert.Equal(t, http.StatusOK, rr.Code)
			assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Success"}`, rr.Body.String())
		})
	}
}

func TestCallbackPersistsSuccess(t *testing.T) {
	handler, pending, txLedger := newTestHandler(&stubGateway{})
	require.NoError(t, pending.Put(context.Background(), "ws_CO_1", &models.PendingIntent{
		CheckoutRequestID: "ws_CO_1",
		UserID:            "user-1",
		PhoneNumber:       "254712345678",
		Amount:            500,
		CreatedAt:         time.Now(),
	}))

	body := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"Success","CallbackMetadata":{"Item":[{"Name":"MpesaReceiptNumber","Value":"ABC123"}]}}}}`
	req := httptest.NewRequest(http.MethodPost, "/api/mpesa/callback", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	handler.Callback(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	transaction, err := txLedger.FindByCheckoutID(context.Background(), "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, transaction.Status)
	assert.Equal(t, "ABC123", transaction.MpesaReceiptNumber)
}

func TestInitiatePaymentRequiresAuth(t *testing.T) {
	handler, _, _ := newTestHandler(&stubGateway{})

	req := httptest.NewRequest(http.MethodPost, "/api/mpesa/initiate", bytes.NewBufferString(`{}`))
	rr := httptest.NewRecorder()
	handler.InitiatePayment(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestInitiatePaymentMissingFields(t *testing.T) {
	t.Setenv("JWT_SECRET", "testsecret")
	handler, _, _ := newTestHandler(&stubGateway{})

	body := `{"user_id":"user-1","amount":500}`
	req := httptest.NewRequest(http.MethodPost, "/api/mpesa/initiate", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "testsecret", "user-1"))
	rr := httptest.NewRecorder()
	handler.InitiatePayment(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "Missing required fields")
}

func TestInitiatePaymentSuccess(t *testing.T) {
	t.Setenv("JWT_SECRET", "testsecret")

	gateway := &stubGateway{
		initiateFunc: func(ctx context.Context, phoneNumber string, amount float64, accountReference, description string) (*services.STKPushResponse, error) {
			return &services.STKPushResponse{
				MerchantRequestID: "29115-34620561-1",
				CheckoutRequestID: "ws_CO_1",
				ResponseCode:      "0",
			}, nil
		},
	}
	handler, pending, _ := newTestHandler(gateway)

	body := `{"user_id":"user-1","user_name":"Jane","phone_number":"254712345678","amount":500,"account_reference":"INV-001"}`
	req := httptest.NewRequest(http.MethodPost, "/api/mpesa/initiate", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "testsecret", "user-1"))
	rr := httptest.NewRecorder()
	handler.InitiatePayment(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			CheckoutRequestID string `json:"checkout_request_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "ws_CO_1", resp.Data.CheckoutRequestID)

	_, err := pending.Get(context.Background(), "ws_CO_1")
	assert.NoError(t, err)
}

func TestInitiatePaymentGatewayFailure(t *testing.T) {
	t.Setenv("JWT_SECRET", "testsecret")

	gateway := &stubGateway{
		initiateFunc: func(ctx context.Context, phoneNumber string, amount float64, accountReference, description string) (*services.STKPushResponse, error) {
			return nil, &services.GatewayError{Kind: services.ErrKindUnreachable, Message: "connection refused"}
		},
	}
	handler, _, _ := newTestHandler(gateway)

	body := `{"user_id":"user-1","phone_number":"254712345678","amount":500,"account_reference":"INV-001"}`
	req := httptest.NewRequest(http.MethodPost, "/api/mpesa/initiate", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "testsecret", "user-1"))
	rr := httptest.NewRecorder()
	handler.InitiatePayment(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "Failed to initiate payment")
}

func TestGetStatusNotFound(t *testing.T) {
	t.Setenv("JWT_SECRET", "testsecret")
	handler, _, _ := newTestHandler(&stubGateway{})

	req := httptest.NewRequest(http.MethodGet, "/api/mpesa/status/ws_CO_unknown", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "testsecret", "user-1"))
	req = mux.SetURLVars(req, map[string]string{"checkoutRequestID": "ws_CO_unknown"})
	rr := httptest.NewRecorder()
	handler.GetStatus(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), models.StatusNotFound)
}

func TestGetStatusPending(t *testing.T) {
	t.Setenv("JWT_SECRET", "testsecret")
	handler, pending, _ := newTestHandler(&stubGateway{})

	require.NoError(t, pending.Put(context.Background(), "ws_CO_1", &models.PendingIntent{
		CheckoutRequestID: "ws_CO_1",
		UserID:            "user-1",
		CreatedAt:         time.Now(),
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/mpesa/status/ws_CO_1", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "testsecret", "user-1"))
	req = mux.SetURLVars(req, map[string]string{"checkoutRequestID": "ws_CO_1"})
	rr := httptest.NewRecorder()
	handler.GetStatus(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), models.StatusPending)
}

func TestListTransactionsOwnership(t *testing.T) {
	t.Setenv("JWT_SECRET", "testsecret")
	handler, _, _ := newTestHandler(&stubGateway{})

	req := httptest.NewRequest(http.MethodGet, "/api/mpesa/transactions/user-2", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "testsecret", "user-1"))
	req = mux.SetURLVars(req, map[string]string{"userID": "user-2"})
	rr := httptest.NewRecorder()
	handler.ListTransactions(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestListTransactionsEmpty(t *testing.T) {
	t.Setenv("JWT_SECRET", "testsecret")
	handler, _, _ := newTestHandler(&stubGateway{})

	req := httptest.NewRequest(http.MethodGet, "/api/mpesa/transactions/user-1?limit=2&offset=0", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "testsecret", "user-1"))
	req = mux.SetURLVars(req, map[string]string{"userID": "user-1"})
	rr := httptest.NewRecorder()
	handler.ListTransactions(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"success":true,"data":[]}`, rr.Body.String())
}
