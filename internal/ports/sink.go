package ports

import "github.com/ghalamif/AegisProctor/internal/domain"

type EventSink interface {
	WriteBatch(events []*domain.IntegrityEvent) error
	Name() string
}
