package model

import (
	"github.com/shopspring/decimal"
)

// ProductInfo describes the product a receipt was generated for. It is
// attached to receipt posts so the backend can price the transaction
// without a second store lookup.
type ProductInfo struct {
	ProductID          string          `json:"product_id"`
	Price              decimal.Decimal `json:"price"`
	CurrencyCode       string          `json:"currency"`
	OfferingID         string          `json:"presented_offering_identifier,omitempty"`
	SubscriptionPeriod string          `json:"subscription_period,omitempty"`
	IntroPrice         decimal.Decimal `json:"introductory_price,omitempty"`
}
