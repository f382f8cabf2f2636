package services

import "context"

// MpesaGateway wraps the two Daraja calls the reconciliation engine needs.
type MpesaGateway interface {
	InitiateSTKPush(ctx context.Context, phoneNumber string, amount float64, accountReference, description string) (*STKPushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*STKQueryResponse, error)
}
