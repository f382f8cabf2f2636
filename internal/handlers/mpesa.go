package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/markjakearzadon/mpesapay-gobackend.git/internal/models"
	"github.com/markjakearzadon/mpesapay-gobackend.git/internal/services"
)

func jwtSecret() []byte {
	return []byte(os.Getenv("JWT_SECRET"))
}

type MpesaHandler struct {
	service *services.MpesaService
}

func NewMpesaHandler(service *services.MpesaService) *MpesaHandler {
	return &MpesaHandler{service: service}
}

// verifyToken checks the Authorization bearer token and returns its claims.
func verifyToken(r *http.Request) (jwt.MapClaims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, errors.New("Authorization header required")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtSecret(), nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("Invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("Invalid token claims")
	}
	return claims, nil
}

func (h *MpesaHandler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	if _, err := verifyToken(r); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusUnauthorized)
		return
	}

	var req services.InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.PhoneNumber == "" || req.Amount == 0 || req.AccountReference == "" {
		http.Error(w, `{"error":"Missing required fields: user_id, phone_number, amount, account_reference"}`, http.StatusBadRequest)
		return
	}

	resp, err := h.service.InitiatePayment(r.Context(), &req)
	if err != nil {
		var validationErr *services.ValidationError
		if errors.As(err, &validationErr) {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, validationErr.Message), http.StatusBadRequest)
			return
		}
		logrus.WithError(err).Error("Failed to initiate payment")
		http.Error(w, fmt.Sprintf(`{"error":"Failed to initiate payment: %v"}`, err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "STK Push sent successfully. Please check your phone.",
		"data":    resp,
	})
}

// Callback is the Daraja webhook. Whatever comes in, Safaricom gets the
// fixed success acknowledgment back; anything else triggers its retry storm.
func (h *MpesaHandler) Callback(w http.ResponseWriter, r *http.Request) {
	var envelope models.CallbackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		logrus.WithError(err).Warn("Failed to decode M-Pesa callback body")
		h.ackCallback(w)
		return
	}

	if err := h.service.HandleCallback(r.Context(), &envelope); err != nil {
		logrus.WithError(err).WithField("checkout_request_id", envelope.Body.StkCallback.CheckoutRequestID).Error("Callback processing failed")
	}
	h.ackCallback(w)
}

func (h *MpesaHandler) ackCallback(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.CallbackAck{ResultCode: 0, ResultDesc: "Success"})
}

func (h *MpesaHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if _, err := verifyToken(r); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusUnauthorized)
		return
	}

	checkoutRequestID := mux.Vars(r)["checkoutRequestID"]
	if checkoutRequestID == "" {
		http.Error(w, `{"error":"Checkout request ID is required"}`, http.StatusBadRequest)
		return
	}

	result, err := h.service.GetStatus(r.Context(), checkoutRequestID)
	if err != nil {
		logrus.WithError(err).WithField("checkout_request_id", checkoutRequestID).Error("Failed to check payment status")
		http.Error(w, `{"error":"Failed to check payment status"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if result.Status == models.StatusNotFound {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"status":  result.Status,
			"message": "Transaction not found",
		})
		return
	}

	response := map[string]interface{}{
		"success": true,
		"status":  result.Status,
	}
	if result.Transaction != nil {
		response["data"] = result.Transaction
	}
	json.NewEncoder(w).Encode(response)
}

func (h *MpesaHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	claims, err := verifyToken(r)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusUnauthorized)
		return
	}

	userID := mux.Vars(r)["userID"]
	if userID == "" {
		http.Error(w, `{"error":"User ID is required"}`, http.StatusBadRequest)
		return
	}

	authenticatedUserID, ok := claims["user_id"].(string)
	if !ok {
		http.Error(w, `{"error":"Invalid user_id in token"}`, http.StatusUnauthorized)
		return
	}
	if authenticatedUserID != userID {
		http.Error(w, `{"error":"Unauthorized to view transactions for this user"}`, http.StatusForbidden)
		return
	}

	limit := int64(20)
	offset := int64(0)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			limit = parsed
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			offset = parsed
		}
	}

	transactions, err := h.service.ListTransactions(r.Context(), userID, limit, offset)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to fetch transactions")
		http.Error(w, `{"error":"Failed to fetch transactions"}`, http.StatusInternalServerError)
		return
	}
	if transactions == nil {
		transactions = []models.Transaction{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"data":    transactions,
	})
}
