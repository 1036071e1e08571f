package ports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Amund211/conduit/internal/domain"
	"github.com/Amund211/conduit/internal/logging"
	"github.com/Amund211/conduit/internal/reporting"
	"github.com/google/uuid"
)

const maxEventsRequestSize = 256 * 1024

type eventRecorder interface {
	Record(ctx context.Context, events ...domain.Event)
}

type eventsRequest struct {
	Events []eventRequest `json:"events" validate:"required,min=1,max=100,dive"`
}

type eventRequest struct {
	ID         string            `json:"id" validate:"omitempty,uuid"`
	Name       string            `json:"name" validate:"required,max=128,printascii"`
	Source     string            `json:"source" validate:"required,max=128"`
	Properties map[string]string `json:"properties" validate:"max=32,dive,keys,required,max=64,endkeys,max=1024"`
	OccurredAt time.Time         `json:"occurredAt" validate:"required"`
}

type eventsResponse struct {
	Success  bool     `json:"success"`
	Accepted int      `json:"accepted"`
	IDs      []string `json:"ids"`
}

func MakeRecordEventsHandler(
	relay eventRecorder,
	nowFunc func() time.Time,
	allowedOrigins *DomainSuffixes,
	limits *Limits,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	middleware := buildHandlerMiddleware("recordevents", rootLogger, sentryMiddleware, allowedOrigins, limits)

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		userID := r.Header.Get("X-User-Id")
		ctx = reporting.SetUserIDInContext(ctx, userID)

		var request eventsRequest
		decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventsRequestSize))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&request); err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				writeError(ctx, w, http.StatusRequestEntityTooLarge, "request too large")
				return
			}
			writeError(ctx, w, http.StatusBadRequest, "invalid json")
			return
		}

		// Canonical ids so retries with different casing still deduplicate
		for i := range request.Events {
			request.Events[i].ID = strings.ToLower(request.Events[i].ID)
		}

		if err := validateRequest(request); err != nil {
			var fields fieldErrors
			if !errors.As(err, &fields) {
				reporting.Report(ctx, fmt.Errorf("failed to validate events request: %w", err))
				writeError(ctx, w, http.StatusInternalServerError, "internal server error")
				return
			}
			writeJSON(ctx, w, http.StatusBadRequest, errorResponse{
				Success: false,
				Cause:   domain.ErrInvalidEvent.Error(),
				Fields:  fields,
			})
			return
		}

		receivedAt := nowFunc()
		events := make([]domain.Event, 0, len(request.Events))
		ids := make([]string, 0, len(request.Events))
		for _, e := range request.Events {
			id := e.ID
			if id == "" {
				id = uuid.NewString()
			}

			events = append(events, domain.Event{
				ID:         id,
				Name:       e.Name,
				Source:     e.Source,
				Properties: e.Properties,
				OccurredAt: e.OccurredAt.UTC(),
				ReceivedAt: receivedAt,
			})
			ids = append(ids, id)
		}

		relay.Record(ctx, events...)
		logging.FromContext(ctx).InfoContext(ctx, "Recorded events", slog.Int("count", len(events)))

		writeJSON(ctx, w, http.StatusAccepted, eventsResponse{
			Success:  true,
			Accepted: len(events),
			IDs:      ids,
		})
	}

	return middleware(handler)
}
