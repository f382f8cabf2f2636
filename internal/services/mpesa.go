package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/markjakearzadon/mpesapay-gobackend.git/internal/ledger"
	"github.com/markjakearzadon/mpesapay-gobackend.git/internal/models"
	"github.com/markjakearzadon/mpesapay-gobackend.git/internal/store"
)

// statusQueryThreshold is how old a pending intent must be before a status
// poll triggers an active Daraja query instead of just answering PENDING.
const statusQueryThreshold = 30 * time.Second

// eat is the timezone of Daraja's TransactionDate metadata values.
var eat = time.FixedZone("EAT", 3*60*60)

// MpesaService reconciles STK push initiations with the asynchronous
// callback and the synchronous status query. It is the only writer to the
// transaction ledger; the ledger's uniqueness constraint is what keeps the
// two resolution paths from persisting the same checkout request twice.
type MpesaService struct {
	gateway MpesaGateway
	pending store.PendingStore
	ledger  ledger.TransactionLedger

	// persistFailed controls whether confirmed failures and cancellations are
	// written to the ledger for audit, or only dropped from the pending store.
	persistFailed bool
}

func NewMpesaService(gateway MpesaGateway, pending store.PendingStore, txLedger ledger.TransactionLedger, persistFailed bool) *MpesaService {
	return &MpesaService{
		gateway:       gateway,
		pending:       pending,
		ledger:        txLedger,
		persistFailed: persistFailed,
	}
}

type InitiateRequest struct {
	UserID           string  `json:"user_id"`
	UserName         string  `json:"user_name"`
	PhoneNumber      string  `json:"phone_number"`
	Amount           float64 `json:"amount"`
	AccountReference string  `json:"account_reference"`
}

type InitiateResponse struct {
	CheckoutRequestID string `json:"checkout_request_id"`
	MerchantRequestID string `json:"merchant_request_id"`
	CustomerMessage   string `json:"customer_message,omitempty"`
}

// StatusResult is the answer to a status query. Transaction is set only when
// a confirmed outcome has been persisted.
type StatusResult struct {
	Status      string              `json:"status"`
	Transaction *models.Transaction `json:"data,omitempty"`
}

// InitiatePayment validates the request, sends the STK push and registers
// the pending intent under the returned checkout request id. Gateway
// failures surface to the caller and leave no local state behind.
func (s *MpesaService) InitiatePayment(ctx context.Context, req *InitiateRequest) (*InitiateResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 35*time.Second)
	defer cancel()

	req.UserID = strings.TrimSpace(req.UserID)
	req.AccountReference = strings.TrimSpace(req.AccountReference)

	if req.UserID == "" {
		return nil, newValidationError("user_id is required")
	}
	if req.AccountReference == "" {
		return nil, newValidationError("account_reference is required")
	}
	phone, err := normalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}
	amount := decimal.NewFromFloat(req.Amount)
	if amount.LessThan(decimal.NewFromInt(1)) {
		return nil, newValidationError("amount must be at least 1 KES")
	}

	description := "Payment for " + req.AccountReference
	pushResp, err := s.gateway.InitiateSTKPush(ctx, phone, req.Amount, req.AccountReference, description)
	if err != nil {
		logrus.WithError(err).WithField("user_id", req.UserID).Error("STK push initiation failed")
		return nil, err
	}

	intent := &models.PendingIntent{
		CheckoutRequestID: pushResp.CheckoutRequestID,
		MerchantRequestID: pushResp.MerchantRequestID,
		UserID:            req.UserID,
		UserName:          strings.TrimSpace(req.UserName),
		PhoneNumber:       phone,
		Amount:            req.Amount,
		AccountReference:  req.AccountReference,
		CreatedAt:         time.Now(),
	}
	if err := s.pending.Put(ctx, pushResp.CheckoutRequestID, intent); err != nil {
		// The push already went out; without the intent the callback will be
		// dropped as unknown, so the caller has to know this attempt is dead.
		logrus.WithError(err).WithField("checkout_request_id", pushResp.CheckoutRequestID).Error("failed to register pending intent")
		return nil, fmt.Errorf("failed to register pending intent: %v", err)
	}

	return &InitiateResponse{
		CheckoutRequestID: pushResp.CheckoutRequestID,
		MerchantRequestID: pushResp.MerchantRequestID,
		CustomerMessage:   pushResp.CustomerMessage,
	}, nil
}

// HandleCallback resolves an asynchronous confirmation from Safaricom.
// Unknown, duplicate and expired checkout ids are logged and ignored: the
// HTTP layer acks every callback with the fixed success shape no matter what
// happens here.
func (s *MpesaService) HandleCallback(ctx context.Context, envelope *models.CallbackEnvelope) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cb := envelope.Body.StkCallback
	logger := logrus.WithFields(logrus.Fields{
		"checkout_request_id": cb.CheckoutRequestID,
		"result_code":         cb.ResultCode,
	})

	if cb.CheckoutRequestID == "" {
		logger.Warn("callback without CheckoutRequestID, ignoring")
		return nil
	}

	intent, err := s.pending.Get(ctx, cb.CheckoutRequestID)
	if err != nil {
		// Duplicate callback after resolution, expired intent or spurious
		// call; all of them are acked and forgotten.
		logger.WithError(err).Info("no pending intent for callback, ignoring")
		return nil
	}

	if cb.ResultCode == 0 {
		transaction := s.buildTransaction(intent, cb.ResultCode, cb.ResultDesc, models.StatusSuccess)
		s.applyCallbackMetadata(transaction, intent, cb.CallbackMetadata, logger)

		if err := s.insertOnce(ctx, transaction, logger); err != nil {
			// Keep the intent so the poll path can still resolve it.
			return err
		}
		logger.WithField("mpesa_receipt_number", transaction.MpesaReceiptNumber).Info("payment confirmed via callback")
	} else {
		status := models.StatusFailed
		if cb.ResultCode == 1032 {
			status = models.StatusCancelled
		}
		logger.WithField("result_desc", cb.ResultDesc).Info("payment not completed")

		if s.persistFailed {
			transaction := s.buildTransaction(intent, cb.ResultCode, cb.ResultDesc, status)
			if err := s.insertOnce(ctx, transaction, logger); err != nil {
				logger.WithError(err).Error("failed to record unsuccessful outcome")
			}
		}
	}

	if err := s.pending.Delete(ctx, cb.CheckoutRequestID); err != nil {
		logger.WithError(err).Error("failed to delete pending intent")
	}
	return nil
}

// GetStatus reports the state of a checkout request. The ledger is
// authoritative once a row exists; otherwise the pending intent decides
// between PENDING, an active provider query, and NOT_FOUND.
func (s *MpesaService) GetStatus(ctx context.Context, checkoutRequestID string) (*StatusResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 35*time.Second)
	defer cancel()

	logger := logrus.WithField("checkout_request_id", checkoutRequestID)

	transaction, err := s.ledger.FindByCheckoutID(ctx, checkoutRequestID)
	if err == nil {
		return &StatusResult{Status: transaction.Status, Transaction: transaction}, nil
	}
	if err != ledger.ErrTransactionNotFound {
		return nil, err
	}

	intent, err := s.pending.Get(ctx, checkoutRequestID)
	if err == store.ErrIntentNotFound {
		// Expired, cancelled without persistence, or never existed; the
		// caller cannot tell which.
		return &StatusResult{Status: models.StatusNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	if time.Since(intent.CreatedAt) < statusQueryThreshold {
		return &StatusResult{Status: models.StatusPending}, nil
	}

	queryResp, err := s.gateway.QueryStatus(ctx, checkoutRequestID)
	if err != nil {
		// Still indeterminate. A provider that has no record yet is logged
		// apart from one we could not reach, but neither fails the payment.
		if gwErr, ok := err.(*GatewayError); ok && gwErr.Kind == ErrKindNotFound {
			logger.Info("provider has no record of checkout request yet")
		} else {
			logger.WithError(err).Error("status query failed")
		}
		return &StatusResult{Status: models.StatusPending}, nil
	}

	resultCode, err := strconv.Atoi(queryResp.ResultCode)
	if err != nil {
		logger.WithField("result_code", queryResp.ResultCode).Error("unparseable result code from status query")
		return &StatusResult{Status: models.StatusPending}, nil
	}

	status := models.StatusSuccess
	if resultCode != 0 {
		status = models.StatusFailed
		if resultCode == 1032 {
			status = models.StatusCancelled
		}
	}

	transaction = s.buildTransaction(intent, resultCode, queryResp.ResultDesc, status)
	if status == models.StatusSuccess || s.persistFailed {
		if err := s.insertOnce(ctx, transaction, logger); err != nil {
			return nil, err
		}
		// The callback may have won the race; whatever row is in the ledger
		// is the authoritative one.
		if persisted, lookupErr := s.ledger.FindByCheckoutID(ctx, checkoutRequestID); lookupErr == nil {
			transaction = persisted
			status = persisted.Status
		}
	}
	if err := s.pending.Delete(ctx, checkoutRequestID); err != nil {
		logger.WithError(err).Error("failed to delete pending intent")
	}

	result := &StatusResult{Status: status}
	if status == models.StatusSuccess || s.persistFailed {
		result.Transaction = transaction
	}
	logger.WithField("status", status).Info("payment resolved via status query")
	return result, nil
}

// ListTransactions returns the user's confirmed transactions, newest first.
func (s *MpesaService) ListTransactions(ctx context.Context, userID string, limit, offset int64) ([]models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.ledger.ListByUser(ctx, userID, limit, offset)
}

func (s *MpesaService) buildTransaction(intent *models.PendingIntent, resultCode int, resultDesc, status string) *models.Transaction {
	return &models.Transaction{
		UserID:            intent.UserID,
		UserName:          intent.UserName,
		PhoneNumber:       intent.PhoneNumber,
		Amount:            intent.Amount,
		AccountReference:  intent.AccountReference,
		MerchantRequestID: intent.MerchantRequestID,
		CheckoutRequestID: intent.CheckoutRequestID,
		ResultCode:        resultCode,
		ResultDesc:        resultDesc,
		Status:            status,
		CreatedAt:         time.Now(),
	}
}

// applyCallbackMetadata pulls the receipt fields out of the callback's
// name/value list. Every key is optional.
func (s *MpesaService) applyCallbackMetadata(transaction *models.Transaction, intent *models.PendingIntent, metadata models.CallbackMetadata, logger *logrus.Entry) {
	transaction.MpesaReceiptNumber = metadata.FindString("MpesaReceiptNumber")

	if value, ok := metadata.Find("TransactionDate"); ok {
		if parsed := parseTransactionDate(value); parsed != nil {
			transaction.TransactionDate = parsed
		}
	}

	if transaction.UserName == "" {
		if name := metadata.FindString("FirstName"); name != "" {
			transaction.UserName = name
		} else if name := metadata.FindString("LastName"); name != "" {
			transaction.UserName = name
		}
	}

	// Reconciliation aid only; the intent amount stays authoritative.
	if value, ok := metadata.Find("Amount"); ok {
		if reported, ok := value.(float64); ok && reported != intent.Amount {
			logger.WithFields(logrus.Fields{
				"intent_amount":   intent.Amount,
				"callback_amount": reported,
			}).Warn("callback amount differs from initiated amount")
		}
	}
}

// insertOnce writes the transaction, treating a uniqueness violation as a
// benign race with the other resolution path.
func (s *MpesaService) insertOnce(ctx context.Context, transaction *models.Transaction, logger *logrus.Entry) error {
	err := s.ledger.Insert(ctx, transaction)
	if err == ledger.ErrDuplicateTransaction {
		logger.Info("transaction already recorded, skipping")
		return nil
	}
	if err != nil {
		logger.WithError(err).Error("failed to persist transaction")
		return err
	}
	return nil
}

// parseTransactionDate decodes Daraja's yyyyMMddHHmmss timestamp, which
// arrives as a JSON number.
func parseTransactionDate(value interface{}) *time.Time {
	var raw string
	switch v := value.(type) {
	case float64:
		raw = strconv.FormatInt(int64(v), 10)
	case string:
		raw = v
	default:
		return nil
	}

	parsed, err := time.ParseInLocation("20060102150405", raw, eat)
	if err != nil {
		return nil
	}
	return &parsed
}

// normalizePhone converts the common local formats (07..., 01..., +254...)
// to the 2547XXXXXXXX MSISDN Daraja expects.
func normalizePhone(phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	phone = strings.ReplaceAll(phone, " ", "")
	phone = strings.TrimPrefix(phone, "+")
	if strings.HasPrefix(phone, "0") && len(phone) == 10 {
		phone = "254" + phone[1:]
	}

	if len(phone) != 12 || !strings.HasPrefix(phone, "254") {
		return "", newValidationError("phone_number must be a valid Safaricom number (2547XXXXXXXX)")
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return "", newValidationError("phone_number must contain digits only")
		}
	}
	return phone, nil
}
