package domain

import "time"

type Event struct {
	ID         string
	Name       string
	Source     string
	Properties map[string]string
	OccurredAt time.Time
	ReceivedAt time.Time
}
