package purchases

import "context"

// Transaction is a platform store transaction produced by a purchase
// flow. It stays in the store's queue until finished.
type Transaction struct {
	ID        string
	ProductID string
}

// StoreWrapper abstracts the platform payment store (StoreKit, Play
// Billing). Implementations are provided by the host platform layer.
//
// The store also produces events the SDK does not poll for: renewals
// delivered at launch, transactions redelivered after a crash, and
// store-initiated promoted purchases. The platform layer forwards those
// to Client.HandleTransactionUpdated, Client.HandleTransactionRemoved
// and Client.HandlePromotedProduct.
type StoreWrapper interface {
	// CurrentReceiptData returns the device's current receipt bytes. An
	// empty slice means no receipt exists locally.
	CurrentReceiptData(ctx context.Context) ([]byte, error)

	// Purchase runs the store purchase flow for productID and blocks
	// until the store produces a transaction or the flow fails.
	Purchase(ctx context.Context, productID string) (Transaction, error)

	// FinishTransaction removes a settled transaction from the store
	// queue. Unfinished transactions are redelivered by the store on the
	// next launch.
	FinishTransaction(ctx context.Context, txn Transaction) error
}
