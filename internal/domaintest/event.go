package domaintest

import (
	"maps"
	"time"

	"github.com/Amund211/conduit/internal/domain"
)

type eventBuilder struct {
	event domain.Event
}

func (eb *eventBuilder) WithName(name string) *eventBuilder {
	eb.event.Name = name
	return eb
}

func (eb *eventBuilder) WithSource(source string) *eventBuilder {
	eb.event.Source = source
	return eb
}

func (eb *eventBuilder) WithProperty(key, value string) *eventBuilder {
	if eb.event.Properties == nil {
		eb.event.Properties = map[string]string{}
	}
	eb.event.Properties[key] = value
	return eb
}

func (eb *eventBuilder) WithOccurredAt(occurredAt time.Time) *eventBuilder {
	eb.event.OccurredAt = occurredAt
	return eb
}

func (eb *eventBuilder) Build() domain.Event {
	// Copy the properties so further mutations to the builder don't affect the returned event
	event := eb.event
	event.Properties = maps.Clone(eb.event.Properties)
	return event
}

func NewEventBuilder(id string, receivedAt time.Time) *eventBuilder {
	return &eventBuilder{
		event: domain.Event{
			ID:         id,
			Name:       "device.message_sent",
			Source:     "conduit-test",
			OccurredAt: receivedAt.Add(-time.Second),
			ReceivedAt: receivedAt,
		},
	}
}
