package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Amund211/conduit/internal/domain"
	"github.com/Amund211/conduit/internal/strutils"
)

const sendDeviceMessageTimeout = 5 * time.Second

type deviceBroker interface {
	Acquire(ctx context.Context, address string) (domain.DeviceConnection, error)
}

type GetDeviceStatus func(ctx context.Context, address string) (domain.DeviceStatus, error)

type SendDeviceMessage func(ctx context.Context, address string, message []byte) error

func acquireDevice(ctx context.Context, broker deviceBroker, address string) (domain.DeviceConnection, error) {
	normalized, err := strutils.NormalizeAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidAddress, err)
	}

	conn, err := broker.Acquire(ctx, normalized)
	switch {
	case err == nil:
		return conn, nil
	case errors.Is(err, domain.ErrInvalidAddress),
		errors.Is(err, domain.ErrTemporarilyUnavailable),
		errors.Is(err, domain.ErrDeviceUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("could not acquire device connection: %w", err)
	default:
		return nil, fmt.Errorf("%w: could not acquire device connection: %w", domain.ErrDeviceUnavailable, err)
	}
}

func BuildGetDeviceStatus(broker deviceBroker) GetDeviceStatus {
	return func(ctx context.Context, address string) (domain.DeviceStatus, error) {
		// NOTE: The dialer logs and traces its own failures
		conn, err := acquireDevice(ctx, broker, address)
		if err != nil {
			return domain.DeviceStatus{}, err
		}

		return domain.DeviceStatus{
			Address:     conn.Address(),
			ConnectedAt: conn.ConnectedAt(),
		}, nil
	}
}

func BuildSendDeviceMessage(broker deviceBroker) SendDeviceMessage {
	return func(ctx context.Context, address string, message []byte) error {
		ctx, cancel := context.WithTimeout(ctx, sendDeviceMessageTimeout)
		defer cancel()

		conn, err := acquireDevice(ctx, broker, address)
		if err != nil {
			return err
		}

		// A failed write closes the connection, so the next caller gets a fresh one
		err = conn.Write(ctx, message)
		if err != nil {
			return fmt.Errorf("%w: failed to write message: %w", domain.ErrDeviceUnavailable, err)
		}

		return nil
	}
}
