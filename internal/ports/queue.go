package ports

import "github.com/ghalamif/AegisProctor/internal/domain"

type QueuedEvent struct {
	ID    JournalEntryID
	Event *domain.IntegrityEvent
}

type EventQueue interface {
	Enqueue(id JournalEntryID, e *domain.IntegrityEvent) bool
	DequeueBatch(max int) []QueuedEvent
	Len() int
}
