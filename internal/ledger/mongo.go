package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/markjakearzadon/mpesapay-gobackend.git/internal/models"
)

// MongoLedger stores transactions in the mpesa_transactions collection. The
// unique index on checkout_request_id is what makes Insert at-most-once.
type MongoLedger struct {
	collection *mongo.Collection
}

func NewMongoLedger(db *mongo.Database) *MongoLedger {
	return &MongoLedger{collection: db.Collection("mpesa_transactions")}
}

// EnsureIndexes creates the indexes the ledger depends on. Call at startup.
func (l *MongoLedger) EnsureIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.M{"checkout_request_id": 1},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
	}
	_, err := l.collection.Indexes().CreateMany(ctx, indexModels)
	if err != nil {
		logrus.WithError(err).Error("failed to create transaction indexes")
		return fmt.Errorf("failed to create transaction indexes: %v", err)
	}
	return nil
}

func (l *MongoLedger) Insert(ctx context.Context, transaction *models.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if transaction.ID.IsZero() {
		transaction.ID = primitive.NewObjectID()
	}
	if transaction.CreatedAt.IsZero() {
		transaction.CreatedAt = time.Now()
	}

	_, err := l.collection.InsertOne(ctx, transaction)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateTransaction
		}
		logrus.WithError(err).WithField("checkout_request_id", transaction.CheckoutRequestID).Error("failed to insert transaction")
		return fmt.Errorf("failed to insert transaction: %v", err)
	}
	return nil
}

func (l *MongoLedger) FindByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var transaction models.Transaction
	if err := l.collection.FindOne(ctx, bson.M{"checkout_request_id": checkoutRequestID}).Decode(&transaction); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrTransactionNotFound
		}
		logrus.WithError(err).WithField("checkout_request_id", checkoutRequestID).Error("failed to fetch transaction")
		return nil, fmt.Errorf("failed to fetch transaction: %v", err)
	}
	return &transaction, nil
}

func (l *MongoLedger) ListByUser(ctx context.Context, userID string, limit, offset int64) ([]models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Find().
		SetSort(bson.M{"created_at": -1}).
		SetLimit(limit).
		SetSkip(offset)

	cur, err := l.collection.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("failed to fetch transactions")
		return nil, fmt.Errorf("failed to fetch transactions: %v", err)
	}
	defer cur.Close(ctx)

	var transactions []models.Transaction
	if err := cur.All(ctx, &transactions); err != nil {
		return nil, fmt.Errorf("failed to decode transactions: %v", err)
	}
	return transactions, nil
}
