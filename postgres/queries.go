package postgres

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	columns       = "id, event_type, created_at, run_time, payload, attempts, fail_reason, lock_key, status"
	columnCount   = 9
	payloadColumn = 4
	selectFilter  = "event_type = $1 AND status = $2 AND run_time <= $3 AND attempts < $4"
)

type queries struct {
	table           string
	selectEligible  string
	selectExcluding string
	update          string
	deleteIn        string
	countByType     string
}

func newQueries(table string) queries {
	return queries{
		table: table,
		selectEligible: fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s ORDER BY run_time LIMIT $5",
			columns,
			table,
			selectFilter,
		),
		selectExcluding: fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s AND id <> ALL($5::uuid[]) ORDER BY run_time LIMIT $6",
			columns,
			table,
			selectFilter,
		),
		update: fmt.Sprintf(
			"UPDATE %s AS q SET run_time = v.run_time, attempts = v.attempts, "+
				"fail_reason = NULLIF(v.fail_reason, ''), status = v.status "+
				"FROM unnest($1::uuid[], $2::timestamptz[], $3::int[], $4::text[], $5::text[]) "+
				"AS v(id, run_time, attempts, fail_reason, status) WHERE q.id = v.id",
			table,
		),
		deleteIn:    fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1::uuid[])", table),
		countByType: fmt.Sprintf("SELECT event_type, count(*) FROM %s GROUP BY event_type ORDER BY event_type", table),
	}
}

// insertMany builds a multi-row INSERT with numbered placeholders; payload is cast to jsonb.
func (q queries) insertMany(rows int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", q.table, columns)
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for c := 0; c < columnCount; c++ {
			if c > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			if c == payloadColumn {
				b.WriteString("::jsonb")
			}
			n++
		}
		b.WriteByte(')')
	}

	return b.String()
}
