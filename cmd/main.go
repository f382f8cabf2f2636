package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/markjakearzadon/mpesapay-gobackend.git/internal/db"
	"github.com/markjakearzadon/mpesapay-gobackend.git/internal/handlers"
	"github.com/markjakearzadon/mpesapay-gobackend.git/internal/ledger"
	"github.com/markjakearzadon/mpesapay-gobackend.git/internal/services"
	"github.com/markjakearzadon/mpesapay-gobackend.git/internal/store"
)

func main() {
	// Load .env
	if err := godotenv.Load(".env"); err != nil {
		logrus.Warnf("Error loading .env: %s", err)
	}

	// Connect to MongoDB
	uri := os.Getenv("MONGOURI")
	if uri == "" {
		logrus.Fatal("MONGOURI environment variable not set")
	}
	if err := db.Connect(uri); err != nil {
		logrus.Fatalf("Failed to connect to MongoDB: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer func() {
		if err := db.Disconnect(ctx); err != nil {
			logrus.Errorf("Error disconnecting from MongoDB: %v", err)
		}
	}()

	database := db.Client.Database("mpesapaydb")

	txLedger := ledger.NewMongoLedger(database)
	if err := txLedger.EnsureIndexes(ctx); err != nil {
		logrus.Fatalf("Failed to create ledger indexes: %v", err)
	}

	pending := newPendingStore()

	// Background sweep of expired pending intents. This is the only
	// background activity; request handling never waits on it.
	go func() {
		ticker := time.NewTicker(store.SweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			if removed := pending.SweepExpired(context.Background(), time.Now()); removed > 0 {
				logrus.WithField("removed", removed).Info("Swept expired pending intents")
			}
		}
	}()

	persistFailed := os.Getenv("MPESA_PERSIST_FAILED") != "false"

	daraja := services.NewDarajaService()
	mpesaService := services.NewMpesaService(daraja, pending, txLedger, persistFailed)
	mpesaHandler := handlers.NewMpesaHandler(mpesaService)

	// Set up router
	router := mux.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "HEAD")

	router.HandleFunc("/api/mpesa/initiate", mpesaHandler.InitiatePayment).Methods("POST")
	router.HandleFunc("/api/mpesa/callback", mpesaHandler.Callback).Methods("POST")
	router.HandleFunc("/api/mpesa/status/{checkoutRequestID}", mpesaHandler.GetStatus).Methods("GET")
	router.HandleFunc("/api/mpesa/transactions/{userID}", mpesaHandler.ListTransactions).Methods("GET")

	// Start server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	server := &http.Server{
		Addr:         "0.0.0.0:" + port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 40 * time.Second, // status queries may hit Daraja
	}
	logrus.Infof("Server running on port %s", port)
	logrus.Fatal(server.ListenAndServe())
}

// newPendingStore picks the pending-intent store implementation. Memory is
// the default; redis is for running more than one instance.
func newPendingStore() store.PendingStore {
	if os.Getenv("PENDING_STORE") != "redis" {
		return store.NewMemoryStore(store.IntentTTL)
	}

	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "localhost"
	}
	redisPort := os.Getenv("REDIS_PORT")
	if redisPort == "" {
		redisPort = "6379"
	}

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, redisPort)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logrus.Fatalf("Failed to ping redis: %v", err)
	}
	logrus.Info("Using redis pending intent store")
	return store.NewRedisStore(client, store.IntentTTL)
}
