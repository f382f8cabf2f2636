package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Transaction statuses. A row is only ever written for a confirmed outcome;
// PENDING and NOT_FOUND exist purely as status-query answers.
const (
	StatusPending   = "PENDING"
	StatusSuccess   = "SUCCESS"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
	StatusNotFound  = "NOT_FOUND"
)

// Transaction is a confirmed M-Pesa payment outcome. Rows are immutable once
// written and unique per checkout_request_id.
type Transaction struct {
	ID                 primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID             string             `bson:"user_id" json:"user_id"`
	UserName           string             `bson:"user_name,omitempty" json:"user_name,omitempty"`
	PhoneNumber        string             `bson:"phone_number" json:"phone_number"`
	Amount             float64            `bson:"amount" json:"amount"`
	AccountReference   string             `bson:"account_reference" json:"account_reference"`
	MerchantRequestID  string             `bson:"merchant_request_id" json:"merchant_request_id"`
	CheckoutRequestID  string             `bson:"checkout_request_id" json:"checkout_request_id"`
	MpesaReceiptNumber string             `bson:"mpesa_receipt_number,omitempty" json:"mpesa_receipt_number,omitempty"`
	TransactionDate    *time.Time         `bson:"transaction_date,omitempty" json:"transaction_date,omitempty"`
	ResultCode         int                `bson:"result_code" json:"result_code"`
	ResultDesc         string             `bson:"result_desc" json:"result_desc"`
	Status             string             `bson:"status" json:"status"` // SUCCESS, FAILED or CANCELLED
	CreatedAt          time.Time          `bson:"created_at" json:"created_at"`
}
