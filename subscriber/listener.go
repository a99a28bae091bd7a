package subscriber

import "github.com/code-payments/purchases-go/model"

// Listener receives subscriber state updates. Callbacks are delivered on
// the dispatcher's main thread, in the order their underlying fetches
// completed.
type Listener interface {
	OnSubscriberStateChanged(state *model.SubscriberState)
}

// ListenerFunc is an adapter to allow the use of ordinary
// functions as Listeners.
type ListenerFunc func(*model.SubscriberState)

// OnSubscriberStateChanged calls f(state).
func (f ListenerFunc) OnSubscriberStateChanged(state *model.SubscriberState) {
	f(state)
}

// FailureListener is an optional extension of Listener. Listeners that
// implement it are also told when a state refresh fails, so hosts can
// surface connectivity problems instead of waiting on an update that
// never comes. Failed refreshes are not change-suppressed.
type FailureListener interface {
	OnFailedToUpdateSubscriberState(err error)
}
