package store

import "strings"

// uuidArray renders a Postgres array literal for a list of UUID strings.
// The stdlib pgx driver does not encode Go slices, so callers pass the
// rendered literal and cast with ::uuid[] in the query.
func uuidArray(ids []string) string {
	return "{" + strings.Join(ids, ",") + "}"
}

// textArray renders a Postgres text[] literal with quoting.
func textArray(vals []string) string {
	quoted := make([]string, len(vals))
	for i, v := range vals {
		v = strings.ReplaceAll(v, `\`, `\\`)
		v = strings.ReplaceAll(v, `"`, `\"`)
		quoted[i] = `"` + v + `"`
	}
	return "{" + strings.Join(quoted, ",") + "}"
}
