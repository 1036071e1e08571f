package domain

import (
	"context"
	"time"
)

// DeviceConnection is a live connection to a device, shared between everyone talking to that device.
type DeviceConnection interface {
	Address() string
	ConnectedAt() time.Time

	// Write sends a message to the device. A failed write closes the connection.
	Write(ctx context.Context, message []byte) error

	// Disconnected is closed once the connection is lost or closed.
	Disconnected() <-chan struct{}
	Close() error
}

type DeviceStatus struct {
	Address     string
	ConnectedAt time.Time
}
