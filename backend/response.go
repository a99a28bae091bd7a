package backend

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/code-payments/purchases-go/model"
)

func decimalFromWire(value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(value)
}

type wireEntitlement struct {
	ExpiresDate       *time.Time `json:"expires_date"`
	ProductIdentifier string     `json:"product_identifier"`
	Store             string     `json:"store"`
	PeriodType        string     `json:"period_type"`
}

type wireSubscriber struct {
	OriginalAppUserID          string                     `json:"original_app_user_id"`
	FirstSeen                  *time.Time                 `json:"first_seen"`
	OriginalApplicationVersion string                     `json:"original_application_version"`
	OriginalPurchaseDate       *time.Time                 `json:"original_purchase_date"`
	ManagementURL              string                     `json:"management_url"`
	Entitlements               map[string]wireEntitlement `json:"entitlements"`
	Subscriptions              map[string]json.RawMessage `json:"subscriptions"`
	NonSubscriptions           map[string]json.RawMessage `json:"non_subscriptions"`
}

type subscriberResponse struct {
	RequestDate *time.Time      `json:"request_date"`
	Subscriber  *wireSubscriber `json:"subscriber"`
}

// decodeSubscriberResponse maps the backend's subscriber payload onto a
// SubscriberState snapshot. Entitlement activity is derived against the
// server's request date, not local wall time, so a skewed device clock
// can't flip entitlements.
func decodeSubscriberResponse(body []byte) (*model.SubscriberState, error) {
	var resp subscriberResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &UnexpectedResponseError{Cause: err}
	}
	if resp.Subscriber == nil {
		return nil, &UnexpectedResponseError{Cause: errors.New("missing subscriber field")}
	}
	if resp.RequestDate == nil {
		return nil, &UnexpectedResponseError{Cause: errors.New("missing request_date field")}
	}
	if resp.Subscriber.FirstSeen == nil {
		return nil, &UnexpectedResponseError{Cause: errors.New("missing first_seen field")}
	}

	requestDate := *resp.RequestDate

	entitlements := make(map[string]model.EntitlementInfo, len(resp.Subscriber.Entitlements))
	for id, e := range resp.Subscriber.Entitlements {
		entitlements[id] = model.EntitlementInfo{
			Identifier:  id,
			IsActive:    e.ExpiresDate == nil || e.ExpiresDate.After(requestDate),
			ExpiresDate: e.ExpiresDate,
			ProductID:   e.ProductIdentifier,
			Store:       model.StoreFromString(e.Store),
			PeriodType:  model.PeriodTypeFromString(e.PeriodType),
		}
	}

	productIDs := make(map[string]struct{})
	for id := range resp.Subscriber.Subscriptions {
		productIDs[id] = struct{}{}
	}
	for id := range resp.Subscriber.NonSubscriptions {
		productIDs[id] = struct{}{}
	}
	var allPurchased []string
	for id := range productIDs {
		allPurchased = append(allPurchased, id)
	}
	sort.Strings(allPurchased)

	return &model.SubscriberState{
		SchemaVersion:          model.SchemaVersion,
		OriginalAppUserID:      resp.Subscriber.OriginalAppUserID,
		Entitlements:           entitlements,
		AllPurchasedProductIDs: allPurchased,
		OriginalAppVersion:     resp.Subscriber.OriginalApplicationVersion,
		OriginalPurchaseDate:   resp.Subscriber.OriginalPurchaseDate,
		FirstSeen:              *resp.Subscriber.FirstSeen,
		ManagementURL:          resp.Subscriber.ManagementURL,
		RequestDate:            requestDate,
	}, nil
}

type offeringsResponse struct {
	CurrentOfferingID string         `json:"current_offering_id"`
	Offerings         []wireOffering `json:"offerings"`
}

type wireOffering struct {
	Identifier  string        `json:"identifier"`
	Description string        `json:"description"`
	Packages    []wirePackage `json:"packages"`
}

type wirePackage struct {
	Identifier        string `json:"identifier"`
	PlatformProductID string `json:"platform_product_identifier"`
	Price             string `json:"price"`
	CurrencyCode      string `json:"currency_code"`
}

func decodeOfferingsResponse(body []byte) (*model.Offerings, error) {
	var resp offeringsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &UnexpectedResponseError{Cause: err}
	}

	all := make(map[string]model.Offering, len(resp.Offerings))
	for _, o := range resp.Offerings {
		offering := model.Offering{
			Identifier:  o.Identifier,
			Description: o.Description,
		}
		for _, p := range o.Packages {
			price, err := decimalFromWire(p.Price)
			if err != nil {
				return nil, &UnexpectedResponseError{Cause: errors.Wrapf(err, "invalid price for package %s", p.Identifier)}
			}
			offering.Packages = append(offering.Packages, model.Package{
				Identifier:   p.Identifier,
				ProductID:    p.PlatformProductID,
				Price:        price,
				CurrencyCode: p.CurrencyCode,
			})
		}
		all[o.Identifier] = offering
	}

	return &model.Offerings{
		CurrentOfferingID: resp.CurrentOfferingID,
		All:               all,
	}, nil
}
