package kusto

import (
	"fmt"
	"regexp"
	"strings"
)

// deniedCommands are Kusto management/mutation commands. This server is
// a read-only analytics surface; anything that writes or administers the
// cluster is rejected before the engine is ever contacted.
var deniedCommands = []string{
	".drop",
	".delete",
	".clear",
	".set",
	".set-or-append",
	".set-or-replace",
	".append",
	".ingest",
	".alter",
	".create",
	".rename",
	".move",
	".purge",
	".execute",
}

// EmptyQueryViolation is the single violation reported for an empty or
// whitespace-only query.
const EmptyQueryViolation = "query is empty"

var deniedPatterns = func() []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, len(deniedCommands))
	for i, cmd := range deniedCommands {
		patterns[i] = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(cmd) + `\b`)
	}
	return patterns
}()

// ValidateQuery returns every safety violation in the query, or nil when
// it is acceptable. An empty query is itself a violation. Matching is
// case-insensitive; all violations are reported so the caller can list
// them at once.
func ValidateQuery(kql string) []string {
	if strings.TrimSpace(kql) == "" {
		return []string{EmptyQueryViolation}
	}

	var violations []string
	for i, pattern := range deniedPatterns {
		if pattern.MatchString(kql) {
			violations = append(violations,
				fmt.Sprintf("management command %q is not allowed (read-only server)", deniedCommands[i]))
		}
	}
	return violations
}
