package model

import (
	"github.com/shopspring/decimal"
)

// Package is a single purchasable product inside an offering.
type Package struct {
	Identifier   string          `json:"identifier"`
	ProductID    string          `json:"platform_product_identifier"`
	Price        decimal.Decimal `json:"price"`
	CurrencyCode string          `json:"currency_code"`
}

// Offering is a merchandising grouping of packages.
type Offering struct {
	Identifier  string    `json:"identifier"`
	Description string    `json:"description"`
	Packages    []Package `json:"packages"`
}

// Offerings is the full product catalog for the app. It is not scoped to a
// subscriber: the same catalog is served to every app user.
type Offerings struct {
	CurrentOfferingID string              `json:"current_offering_id"`
	All               map[string]Offering `json:"offerings"`
}

// Current returns the currently merchandised offering, if any.
func (o *Offerings) Current() (Offering, bool) {
	offering, ok := o.All[o.CurrentOfferingID]
	return offering, ok
}

func (o *Offerings) Offering(identifier string) (Offering, bool) {
	offering, ok := o.All[identifier]
	return offering, ok
}
