package ports

import "github.com/ghalamif/AegisProctor/internal/domain"

type JournalEntryID uint64

// Journal is the durable append-only log of integrity events.
type Journal interface {
	Append(e *domain.IntegrityEvent) (JournalEntryID, error)
	Iterate(from JournalEntryID, fn func(id JournalEntryID, e *domain.IntegrityEvent) error) error
	Commit(upto JournalEntryID) error
	Stats() JournalStats
	Close() error
}

type JournalStats struct {
	OldestUncommitted JournalEntryID
	LatestAppended    JournalEntryID
	SizeBytes         int64
}
