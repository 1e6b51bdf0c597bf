package kusto

import "regexp"

// Patterns for values that read as personal data in telemetry rows.
// GUID-shaped values are scrubbed because user and session object IDs
// in Business Central telemetry take that form.
var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	ipv4Pattern  = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	guidPattern  = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
)

// ScrubString replaces personal data in a single string value.
func ScrubString(s string) string {
	s = emailPattern.ReplaceAllString(s, "[redacted-email]")
	s = ipv4Pattern.ReplaceAllString(s, "[redacted-ip]")
	s = guidPattern.ReplaceAllString(s, "[redacted-id]")
	return s
}

// scrubResult rewrites string cells in place. Non-string cells pass
// through untouched — numbers and booleans carry no PII here.
func scrubResult(r *Result) {
	for _, row := range r.Rows {
		for i, cell := range row {
			if s, ok := cell.(string); ok {
				row[i] = ScrubString(s)
			}
		}
	}
}
