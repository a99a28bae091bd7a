package subscriber

import "errors"

// ErrMissingReceipt is returned when a receipt post is attempted with no
// local receipt bytes available. Nothing was sent, so nothing is retried.
var ErrMissingReceipt = errors.New("no receipt data available")
