package ledger

import (
	"context"
	"errors"

	"github.com/markjakearzadon/mpesapay-gobackend.git/internal/models"
)

var (
	// ErrDuplicateTransaction means a row for this checkout request id already
	// exists. The callback and poll paths race to write it; the loser gets
	// this and treats it as a no-op.
	ErrDuplicateTransaction = errors.New("transaction already recorded for checkout request")

	ErrTransactionNotFound = errors.New("transaction not found")
)

// TransactionLedger is the durable, append-only store of confirmed outcomes.
// Insert must enforce checkout-request-id uniqueness; there is no update or
// delete.
type TransactionLedger interface {
	Insert(ctx context.Context, transaction *models.Transaction) error
	FindByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error)
	ListByUser(ctx context.Context, userID string, limit, offset int64) ([]models.Transaction, error)
}
