package postgres

import (
	"sort"
	"strings"

	"github.com/redstone/ordersaga/internal/deadletter"
	"github.com/redstone/ordersaga/internal/event"
)

func eventType(s string) event.Type { return event.Type(s) }

// prefixed qualifies a comma separated column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func sortRetries(rs []deadletter.Retry) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].DueAt.Equal(rs[j].DueAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].DueAt.Before(rs[j].DueAt)
	})
}
