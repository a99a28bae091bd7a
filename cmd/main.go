package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/code-payments/purchases-go/model"
	"github.com/code-payments/purchases-go/purchases"
	"github.com/code-payments/purchases-go/subscriber"
)

// Manual smoke test against the production backend. Requires
// PURCHASES_API_KEY in the environment or a local .env file.
func main() {
	_ = godotenv.Load()

	apiKey := os.Getenv("PURCHASES_API_KEY")
	if apiKey == "" {
		log.Fatal("PURCHASES_API_KEY is not set")
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal("Failed to create logger:", err)
	}

	ctx := context.Background()
	client, err := purchases.New(ctx, purchases.Config{
		APIKey:    apiKey,
		AppUserID: os.Getenv("PURCHASES_APP_USER_ID"),
		Log:       logger,
	}, noopStore{})
	if err != nil {
		log.Fatal("Failed to configure client:", err)
	}
	defer client.Close()

	client.AddListener(subscriber.ListenerFunc(func(state *model.SubscriberState) {
		fmt.Println("Subscriber state changed:", state.OriginalAppUserID)
	}))

	state, err := client.SubscriberInfo(ctx)
	if err != nil {
		log.Fatal("Failed to fetch subscriber state:", err)
	}
	fmt.Println("App user:", client.AppUserID())
	fmt.Println("Active entitlements:", state.ActiveEntitlements())

	offerings, err := client.Offerings(ctx)
	if err != nil {
		log.Fatal("Failed to fetch offerings:", err)
	}
	if current, ok := offerings.Current(); ok {
		for _, pack := range current.Packages {
			fmt.Printf("%s: %s %s %s\n", pack.Identifier, pack.ProductID, pack.Price, pack.CurrencyCode)
		}
	}
}

// noopStore stands in for a platform store binding, which this smoke
// test doesn't exercise.
type noopStore struct{}

func (noopStore) CurrentReceiptData(context.Context) ([]byte, error) {
	return nil, nil
}

func (noopStore) Purchase(context.Context, string) (purchases.Transaction, error) {
	return purchases.Transaction{}, nil
}

func (noopStore) FinishTransaction(context.Context, purchases.Transaction) error {
	return nil
}
