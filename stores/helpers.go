package stores

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oarkflow/date"

	"github.com/opencatalog/authz"
)

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// inParams renders an id set as a named-parameter IN list. Returns the
// placeholder fragment (":id0, :id1, ...") and the bound values.
func inParams(prefix string, ids []uuid.UUID) (string, map[string]any) {
	placeholders := make([]string, len(ids))
	args := make(map[string]any, len(ids))
	for i, id := range ids {
		name := fmt.Sprintf("%s%d", prefix, i)
		placeholders[i] = ":" + name
		args[name] = id.String()
	}
	return strings.Join(placeholders, ", "), args
}

func refMatchesInclude(deleted bool, include authz.Include) bool {
	return include == authz.IncludeAll || !deleted
}

// scanTime normalizes a raw timestamp column. Drivers hand back time.Time,
// string or []byte depending on the column affinity.
func scanTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := parseFlexibleTime(t); err == nil {
			return parsed
		}
	case []byte:
		if parsed, err := parseFlexibleTime(string(t)); err == nil {
			return parsed
		}
	}
	return time.Time{}
}
