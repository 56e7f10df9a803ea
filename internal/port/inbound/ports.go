// Package inbound defines the interfaces the application exposes to
// transport adapters.
package inbound

import "context"

// Transport is a client-facing front that serves until its context is
// cancelled.
type Transport interface {
	Start(ctx context.Context) error
	Close() error
}
