// Package gateway defines the outbound interfaces to the external
// courier/transport system and the donor messaging gateway.
package gateway

import (
	"errors"
	"time"

	"github.com/kmarchand/hemonet/core/model"
)

// ErrAckTimeout is returned when a courier acknowledgment does not
// arrive before the configured timeout.
var ErrAckTimeout = errors.New("gateway: ack timeout")

// Courier delivers dispatch orders to the transport system and tracks
// their acknowledgments.
type Courier interface {
	// SendDispatchOrder publishes the order and returns the command
	// identifier used to track the acknowledgment.
	SendDispatchOrder(order model.DispatchOrder) (commandID string, err error)

	// WaitForAck blocks until the courier acknowledges the command or
	// the timeout elapses.
	WaitForAck(commandID string, timeout time.Duration) (bool, error)
}

// Outreach sends donor solicitation requests. Delivery is
// fire-and-forget; confirmation arrives asynchronously out of band.
type Outreach interface {
	SendOutreach(req model.OutreachRequest) error
}
