package eventrepository

import (
	"context"

	"github.com/Amund211/conduit/internal/domain"
)

// EventRepository persists batches of events. Storing an event that is already stored is a no-op.
type EventRepository interface {
	StoreEvents(ctx context.Context, events []domain.Event) error
}
