package model

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// SchemaVersion is bumped whenever the cached SubscriberState layout
// changes. Cached blobs with a different version are treated as a miss.
const SchemaVersion = "2"

type Store uint8

const (
	StoreUnknown Store = iota
	StoreAppStore
	StoreMacAppStore
	StorePlayStore
	StoreStripe
	StorePromotional
)

var storeNames = map[Store]string{
	StoreUnknown:     "unknown",
	StoreAppStore:    "app_store",
	StoreMacAppStore: "mac_app_store",
	StorePlayStore:   "play_store",
	StoreStripe:      "stripe",
	StorePromotional: "promotional",
}

func (s Store) String() string {
	if name, ok := storeNames[s]; ok {
		return name
	}
	return "unknown"
}

func StoreFromString(name string) Store {
	for s, n := range storeNames {
		if n == name {
			return s
		}
	}
	return StoreUnknown
}

func (s Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Store) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	*s = StoreFromString(name)
	return nil
}

type PeriodType uint8

const (
	PeriodTypeNormal PeriodType = iota
	PeriodTypeIntro
	PeriodTypeTrial
)

var periodTypeNames = map[PeriodType]string{
	PeriodTypeNormal: "normal",
	PeriodTypeIntro:  "intro",
	PeriodTypeTrial:  "trial",
}

func (p PeriodType) String() string {
	if name, ok := periodTypeNames[p]; ok {
		return name
	}
	return "normal"
}

func PeriodTypeFromString(name string) PeriodType {
	for p, n := range periodTypeNames {
		if n == name {
			return p
		}
	}
	return PeriodTypeNormal
}

func (p PeriodType) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *PeriodType) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	*p = PeriodTypeFromString(name)
	return nil
}

// EntitlementInfo is a single entitlement grant as reported by the backend.
type EntitlementInfo struct {
	Identifier  string     `json:"identifier"`
	IsActive    bool       `json:"is_active"`
	ExpiresDate *time.Time `json:"expires_date,omitempty"`
	ProductID   string     `json:"product_identifier"`
	Store       Store      `json:"store"`
	PeriodType  PeriodType `json:"period_type"`
}

// SubscriberState is an immutable snapshot of a subscriber as last fetched
// from the backend. A new fetch always produces a new value, never a
// mutation of an old one.
type SubscriberState struct {
	SchemaVersion string `json:"schema_version"`

	OriginalAppUserID      string                     `json:"original_app_user_id"`
	Entitlements           map[string]EntitlementInfo `json:"entitlements"`
	AllPurchasedProductIDs []string                   `json:"all_purchased_product_ids"`
	OriginalAppVersion     string                     `json:"original_application_version,omitempty"`
	OriginalPurchaseDate   *time.Time                 `json:"original_purchase_date,omitempty"`
	FirstSeen              time.Time                  `json:"first_seen"`
	ManagementURL          string                     `json:"management_url,omitempty"`
	RequestDate            time.Time                  `json:"request_date"`
}

// ActiveEntitlements returns the identifiers of all currently active
// entitlements, sorted.
func (s *SubscriberState) ActiveEntitlements() []string {
	var active []string
	for id, e := range s.Entitlements {
		if e.IsActive {
			active = append(active, id)
		}
	}
	sort.Strings(active)
	return active
}

func (s *SubscriberState) HasEntitlement(identifier string) bool {
	e, ok := s.Entitlements[identifier]
	return ok && e.IsActive
}

// Equal reports whether two snapshots describe the same subscriber state.
// The request date is ignored: fetching the same state twice yields equal
// snapshots.
func (s *SubscriberState) Equal(other *SubscriberState) bool {
	if s == nil || other == nil {
		return s == other
	}

	a, b := *s, *other
	a.RequestDate, b.RequestDate = time.Time{}, time.Time{}

	aJSON, err := json.Marshal(&a)
	if err != nil {
		return false
	}
	bJSON, err := json.Marshal(&b)
	if err != nil {
		return false
	}

	return string(aJSON) == string(bJSON)
}

// EncodeSubscriberState marshals a snapshot for durable caching.
func EncodeSubscriberState(s *SubscriberState) ([]byte, error) {
	clone := *s
	clone.SchemaVersion = SchemaVersion
	return json.Marshal(&clone)
}

// DecodeSubscriberState unmarshals a cached snapshot. Blobs written under a
// different schema version are rejected so callers treat them as a miss.
func DecodeSubscriberState(b []byte) (*SubscriberState, error) {
	var s SubscriberState
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal subscriber state")
	}
	if s.SchemaVersion != SchemaVersion {
		return nil, errors.Errorf("unsupported subscriber state schema version: %q", s.SchemaVersion)
	}
	return &s, nil
}
