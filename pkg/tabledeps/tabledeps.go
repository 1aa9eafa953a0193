// Package tabledeps recovers the set of table names a SQL statement touches.
// Live queries use these sets to decide which change events warrant a refetch,
// so the extractor is allowed to over-approximate but must never miss a table.
package tabledeps

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// Matches the identifier following FROM / JOIN / INTO / UPDATE, optionally
// wrapped in backticks or double quotes. Lossy on purpose: it will happily
// pick up words inside string literals. That only costs a spurious refetch.
var tableRe = regexp.MustCompile("(?i)\\b(?:FROM|JOIN|INTO|UPDATE)\\s+[`\"]?([A-Za-z_][A-Za-z0-9_]*)")

// Extract returns the lowercase table names referenced by sql, sorted and
// deduplicated. The regex result is the floor; when the statement also parses
// as SQL, relation names from the AST are unioned in. The union can grow the
// set but never shrink it below what the regex found.
func Extract(sql string) []string {
	set := make(map[string]struct{})
	for _, m := range tableRe.FindAllStringSubmatch(sql, -1) {
		set[strings.ToLower(m[1])] = struct{}{}
	}
	for _, name := range parseRelations(sql) {
		set[strings.ToLower(name)] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// parseRelations walks the parse tree collecting every RangeVar relation
// name. A parse failure is not an error here; the regex already produced a
// usable superset.
func parseRelations(sql string) []string {
	raw, err := pg_query.ParseToJSON(sql)
	if err != nil {
		return nil
	}
	var tree any
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return nil
	}
	var names []string
	collectRangeVars(tree, &names)
	return names
}

func collectRangeVars(node any, out *[]string) {
	switch n := node.(type) {
	case map[string]any:
		if rv, ok := n["RangeVar"].(map[string]any); ok {
			if rel, ok := rv["relname"].(string); ok && rel != "" {
				*out = append(*out, rel)
			}
		}
		for _, v := range n {
			collectRangeVars(v, out)
		}
	case []any:
		for _, v := range n {
			collectRangeVars(v, out)
		}
	}
}
