package sink

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

// PostgresSink writes integrity events to an audit table. Rows are keyed on
// (session_id, seq) so journal replays are idempotent.
type PostgresSink struct {
	db        *sql.DB
	tableName string
}

func NewPostgresSink(db *sql.DB, table string) *PostgresSink {
	return &PostgresSink{db: db, tableName: table}
}

func (p *PostgresSink) Name() string { return "postgres" }

func (p *PostgresSink) WriteBatch(events []*domain.IntegrityEvent) error {
	if len(events) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(p.tableName)
	b.WriteString(" (session_id, seq, kind, candidate_id, at, detail) VALUES ")

	args := make([]any, 0, len(events)*6)
	for i, e := range events {
		if i > 0 {
			b.WriteString(",")
		}
		n := len(args)
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5, n+6))
		args = append(args,
			e.SessionID,
			e.Seq,
			string(e.Kind),
			e.CandidateID,
			e.At,
			e.Detail,
		)
	}

	b.WriteString(" ON CONFLICT (session_id, seq) DO NOTHING")

	_, err := p.db.Exec(b.String(), args...)
	return err
}

var _ ports.EventSink = (*PostgresSink)(nil)
