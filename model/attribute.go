package model

import "time"

// SubscriberAttribute is a single key/value attribute set by the host app,
// accumulated locally until a sync with the backend succeeds.
type SubscriberAttribute struct {
	Key      string    `json:"key"`
	Value    string    `json:"value"`
	SetTime  time.Time `json:"set_time"`
	IsSynced bool      `json:"is_synced"`
}

// SubscriberAttributeDict maps attribute keys to attribute values for a
// single app user.
type SubscriberAttributeDict map[string]SubscriberAttribute

// Unsynced returns the subset of attributes not yet acknowledged by the
// backend.
func (d SubscriberAttributeDict) Unsynced() SubscriberAttributeDict {
	unsynced := make(SubscriberAttributeDict)
	for key, attr := range d {
		if !attr.IsSynced {
			unsynced[key] = attr
		}
	}
	return unsynced
}
