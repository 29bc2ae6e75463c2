package mysql

import (
	"fmt"
	"strings"
)

const (
	columns      = "id, event_type, created_at, run_time, payload, attempts, fail_reason, lock_key, status"
	columnCount  = 9
	selectFilter = "event_type = ? AND status = ? AND run_time <= ? AND attempts < ?"
)

type queries struct {
	table          string
	insert         string
	selectEligible string
	updateOne      string
	countByType    string
}

func newQueries(table string) queries {
	return queries{
		table:  table,
		insert: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, columns, makePlaceholders(columnCount)),
		selectEligible: fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s ORDER BY run_time LIMIT ?",
			columns,
			table,
			selectFilter,
		),
		updateOne: fmt.Sprintf(
			"UPDATE %s SET run_time = ?, attempts = ?, fail_reason = ?, status = ? WHERE id = ?",
			table,
		),
		countByType: fmt.Sprintf("SELECT event_type, COUNT(*) FROM %s GROUP BY event_type ORDER BY event_type", table),
	}
}

func (q queries) selectExcluding(excluded int) string {
	return fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s AND id NOT IN (%s) ORDER BY run_time LIMIT ?",
		columns,
		q.table,
		selectFilter,
		makePlaceholders(excluded),
	)
}

func (q queries) insertMany(rows int) string {
	row := "(" + makePlaceholders(columnCount) + ")"
	values := make([]string, rows)
	for i := range values {
		values[i] = row
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", q.table, columns, strings.Join(values, ","))
}

func (q queries) deleteIn(count int) string {
	return fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", q.table, makePlaceholders(count))
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}

	buf := make([]byte, 0, count*placeholderGrowth)
	for i := 0; i < count; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '?')
	}

	return string(buf)
}
