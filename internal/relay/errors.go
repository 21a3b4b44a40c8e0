package relay

import "errors"

var ErrClosed = errors.New("relay: closed")
