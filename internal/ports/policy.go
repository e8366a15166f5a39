package ports

import "time"

// JournalPolicy controls journal/queue thresholds.
type JournalPolicy struct {
	MaxJournalSizeBytes int64         `yaml:"max_journal_size_bytes"`
	MaxQueueLen         int           `yaml:"max_queue_len"`
	MaxBatchSize        int           `yaml:"max_batch_size"`
	IdleSleep           time.Duration `yaml:"idle_sleep"`

	OnJournalFull string `yaml:"on_journal_full"` // "block", "drop"
	OnQueueFull   string `yaml:"on_queue_full"`   // "reject", "block", "drop"
}

// BackoffPolicy is the heartbeat rescheduling law.
type BackoffPolicy struct {
	Base       time.Duration `yaml:"interval"`
	Ceiling    time.Duration `yaml:"max_interval"`
	Multiplier float64       `yaml:"multiplier"`
}

// Delay returns the wait before the next report after the given number of
// consecutive delivery failures. The result never exceeds Ceiling.
//
// Delay(0) and Delay(1) are both Base: a single missed report is retried on
// the normal cadence and only a repeat failure starts the backoff. Three
// failures followed by a success therefore wait Base, 2×Base, 4×Base, Base
// with the default multiplier of 2.
func (p BackoffPolicy) Delay(consecutiveFailures int) time.Duration {
	base := p.Base
	if base <= 0 {
		return 0
	}
	ceiling := p.Ceiling
	if ceiling < base {
		ceiling = base
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(base)
	for i := 1; i < consecutiveFailures; i++ {
		d *= mult
		if d >= float64(ceiling) {
			return ceiling
		}
	}
	return time.Duration(d)
}
