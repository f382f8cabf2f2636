package models

import "time"

// PendingIntent is the local record of an STK push that has been initiated
// but not yet confirmed by Safaricom. It lives in the pending store only and
// is never written to the database; JSON tags are for the redis-backed store.
type PendingIntent struct {
	CheckoutRequestID string    `json:"checkout_request_id"`
	MerchantRequestID string    `json:"merchant_request_id"`
	UserID            string    `json:"user_id"`
	UserName          string    `json:"user_name,omitempty"`
	PhoneNumber       string    `json:"phone_number"`
	Amount            float64   `json:"amount"`
	AccountReference  string    `json:"account_reference"`
	CreatedAt         time.Time `json:"created_at"`
}
