package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// maxListLimit caps list queries that arrive without a limit.
const maxListLimit = 500

// listQuery appends the ListOpts filters, newest-first ordering and paging
// to base, which must end in a WHERE clause.
func listQuery(base, timeCol string, symbolCol string, opts domain.ListOpts) (string, []any) {
	var b strings.Builder
	b.WriteString(base)
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if symbolCol != "" && opts.Symbol != "" {
		fmt.Fprintf(&b, " AND %s = %s", symbolCol, arg(opts.Symbol))
	}
	if opts.Since != nil {
		fmt.Fprintf(&b, " AND %s >= %s", timeCol, arg(*opts.Since))
	}
	if opts.Until != nil {
		fmt.Fprintf(&b, " AND %s <= %s", timeCol, arg(*opts.Until))
	}
	fmt.Fprintf(&b, " ORDER BY %s DESC", timeCol)

	limit := opts.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	fmt.Fprintf(&b, " LIMIT %s", arg(limit))
	if opts.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %s", arg(opts.Offset))
	}
	return b.String(), args
}
