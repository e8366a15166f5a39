package observability

import (
	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

// Nop discards everything. Components fall back to it when no
// Observability is supplied.
type Nop struct{}

func (Nop) LogInfo(string, ...ports.Field)                                    {}
func (Nop) LogError(string, error, ...ports.Field)                            {}
func (Nop) LogCritical(string, error, ...ports.Field)                         {}
func (Nop) IncCounter(string, float64)                                        {}
func (Nop) ObserveLatency(string, float64)                                    {}
func (Nop) SetGauge(string, float64)                                          {}
func (Nop) RecordDropped(ports.JournalEntryID, *domain.IntegrityEvent, error) {}

var _ ports.Observability = Nop{}
