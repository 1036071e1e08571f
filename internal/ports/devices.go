package ports

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Amund211/conduit/internal/app"
	"github.com/Amund211/conduit/internal/domain"
	"github.com/Amund211/conduit/internal/logging"
	"github.com/Amund211/conduit/internal/reporting"
)

const maxDeviceMessageSize = 64 * 1024

type deviceStatusResponse struct {
	Success     bool      `json:"success"`
	Address     string    `json:"address"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type deviceMessageResponse struct {
	Success bool   `json:"success"`
	Address string `json:"address"`
	Bytes   int    `json:"bytes"`
}

func addDeviceMeta(ctx context.Context, r *http.Request) (context.Context, string) {
	address := r.PathValue("address")

	userID := r.Header.Get("X-User-Id")
	ctx = reporting.SetUserIDInContext(ctx, userID)
	ctx = logging.AddDeviceToContext(ctx, address)
	ctx = reporting.SetDeviceInContext(ctx, address)
	return ctx, address
}

// writeDeviceError maps device errors to a status code. Unknown errors are already reported by the
// layer that produced them.
func writeDeviceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidAddress):
		writeError(ctx, w, http.StatusBadRequest, "invalid device address")
	case errors.Is(err, domain.ErrTemporarilyUnavailable):
		writeError(ctx, w, http.StatusServiceUnavailable, "temporarily unavailable")
	case errors.Is(err, domain.ErrDeviceUnavailable):
		writeError(ctx, w, http.StatusBadGateway, "device unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(ctx, w, http.StatusGatewayTimeout, "device timed out")
	default:
		writeError(ctx, w, http.StatusInternalServerError, "internal server error")
	}
}

func MakeGetDeviceStatusHandler(
	getDeviceStatus app.GetDeviceStatus,
	allowedOrigins *DomainSuffixes,
	limits *Limits,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	middleware := buildHandlerMiddleware("getdevicestatus", rootLogger, sentryMiddleware, allowedOrigins, limits)

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx, address := addDeviceMeta(r.Context(), r)

		status, err := getDeviceStatus(ctx, address)
		if err != nil {
			writeDeviceError(ctx, w, err)
			return
		}

		writeJSON(ctx, w, http.StatusOK, deviceStatusResponse{
			Success:     true,
			Address:     status.Address,
			ConnectedAt: status.ConnectedAt,
		})
	}

	return middleware(handler)
}

func MakeSendDeviceMessageHandler(
	sendDeviceMessage app.SendDeviceMessage,
	allowedOrigins *DomainSuffixes,
	limits *Limits,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	middleware := buildHandlerMiddleware("senddevicemessage", rootLogger, sentryMiddleware, allowedOrigins, limits)

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx, address := addDeviceMeta(r.Context(), r)

		message, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDeviceMessageSize))
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(ctx, w, http.StatusRequestEntityTooLarge, "message too large")
			return
		}
		if err != nil {
			writeError(ctx, w, http.StatusBadRequest, "could not read request body")
			return
		}
		if len(message) == 0 {
			writeError(ctx, w, http.StatusBadRequest, "empty message")
			return
		}

		err = sendDeviceMessage(ctx, address, message)
		if err != nil {
			writeDeviceError(ctx, w, err)
			return
		}

		writeJSON(ctx, w, http.StatusOK, deviceMessageResponse{
			Success: true,
			Address: address,
			Bytes:   len(message),
		})
	}

	return middleware(handler)
}
