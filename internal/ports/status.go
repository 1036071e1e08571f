package ports

import (
	"log/slog"
	"net/http"

	"github.com/Amund211/conduit/internal/logging"
	"github.com/Amund211/conduit/internal/reporting"
)

type ServiceStatus struct {
	Connections    int `json:"connections"`
	BufferedEvents int `json:"bufferedEvents"`
}

type statusResponse struct {
	Success bool `json:"success"`
	ServiceStatus
}

func MakeStatusHandler(
	getStatus func() ServiceStatus,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	middleware := ComposeMiddlewares(
		buildMetricsMiddleware(),
		logging.NewRequestLoggerMiddleware(rootLogger),
		sentryMiddleware,
		reporting.NewAddMetaMiddleware("status"),
	)

	return middleware(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(r.Context(), w, http.StatusOK, statusResponse{
			Success:       true,
			ServiceStatus: getStatus(),
		})
	})
}
