// Package deps extracts SQL object declarations and references from
// template text and orders a batch of templates so that dependencies are
// processed first.
//
// Extraction is deliberately regex-based and best-effort, not a SQL parser.
// CTEs and subqueries are not recognized as local declarations. Unusual SQL
// degrades ordering quality; it never blocks a build.
package deps

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/starford/sqlforge/internal/apperr"
	"github.com/starford/sqlforge/internal/template"
)

// Declaration is a SQL object created by a template. Ephemeral; derived on
// demand and never persisted.
type Declaration struct {
	Type string // table, view, function, trigger, policy
	Name string // schema-qualified when the template qualifies it
}

var (
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	stringLitRe    = regexp.MustCompile(`'(?:[^']|'')*'`)

	declRe = regexp.MustCompile(`(?i)\bCREATE\s+(?:OR\s+REPLACE\s+)?(TABLE|MATERIALIZED\s+VIEW|VIEW|FUNCTION|TRIGGER|POLICY)\s+(?:IF\s+NOT\s+EXISTS\s+)?("?[\w$]+"?(?:\."?[\w$]+"?)?)`)

	fromRe = regexp.MustCompile(`(?i)\bFROM\s+((?:"?[\w$]+"?(?:\."?[\w$]+"?)?)(?:\s*,\s*"?[\w$]+"?(?:\."?[\w$]+"?)?)*)`)
	joinRe = regexp.MustCompile(`(?i)\bJOIN\s+("?[\w$]+"?(?:\."?[\w$]+"?)?)`)
	refsRe = regexp.MustCompile(`(?i)\bREFERENCES\s+("?[\w$]+"?(?:\."?[\w$]+"?)?)`)

	dependsOnRe = regexp.MustCompile(`(?im)^\s*--\s*@depends-on:\s*(.+)$`)
)

// keywords that regex capture can pick up as a FROM target but are never
// object names.
var notARef = map[string]bool{
	"select": true, "where": true, "lateral": true, "unnest": true,
	"generate_series": true, "only": true,
}

// sanitize blanks comments and collapses string literals so quoted text
// cannot produce false declaration or reference matches.
func sanitize(sql string) string {
	sql = blockCommentRe.ReplaceAllString(sql, " ")
	sql = lineCommentRe.ReplaceAllString(sql, " ")
	sql = stringLitRe.ReplaceAllString(sql, "''")
	return sql
}

func normalize(name string) string {
	name = strings.ReplaceAll(name, `"`, "")
	return strings.ToLower(strings.TrimSpace(name))
}

// Declarations returns the SQL objects the template text creates.
// Schema qualification is preserved in Name.
func Declarations(sql string) []Declaration {
	clean := sanitize(sql)
	var out []Declaration
	seen := make(map[string]bool)
	for _, m := range declRe.FindAllStringSubmatch(clean, -1) {
		typ := strings.ToLower(strings.Join(strings.Fields(m[1]), " "))
		if typ == "materialized view" {
			typ = "view"
		}
		name := strings.ReplaceAll(m[2], `"`, "")
		key := typ + ":" + strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Declaration{Type: typ, Name: name})
	}
	return out
}

// References returns the object names the template text reads from,
// excluding names the same text declares.
func References(sql string) []string {
	clean := sanitize(sql)

	declared := make(map[string]bool)
	for _, d := range Declarations(sql) {
		n := normalize(d.Name)
		declared[n] = true
		if i := strings.LastIndex(n, "."); i >= 0 {
			declared[n[i+1:]] = true
		}
	}

	var out []string
	seen := make(map[string]bool)
	add := func(raw string) {
		n := normalize(raw)
		if n == "" || notARef[n] || declared[n] || seen[n] {
			return
		}
		if i := strings.LastIndex(n, "."); i >= 0 && declared[n[i+1:]] {
			return
		}
		seen[n] = true
		out = append(out, n)
	}

	for _, m := range fromRe.FindAllStringSubmatch(clean, -1) {
		for _, part := range strings.Split(m[1], ",") {
			add(part)
		}
	}
	for _, m := range joinRe.FindAllStringSubmatch(clean, -1) {
		add(m[1])
	}
	for _, m := range refsRe.FindAllStringSubmatch(clean, -1) {
		add(m[1])
	}
	return out
}

// DependsOn returns template file paths named by leading
// "-- @depends-on: <file>" directives. Multiple directives and
// comma-separated lists are accepted.
func DependsOn(sql string) []string {
	var out []string
	for _, m := range dependsOnRe.FindAllStringSubmatch(sql, -1) {
		for _, part := range strings.Split(m[1], ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Order sorts templates so that no template precedes one it depends on,
// by directive or by referencing a name another batch member declares.
// Templates with no ordering relation keep their incoming (discovery)
// order. A dependency cycle yields an error naming the files involved.
func Order(templates []*template.Template) ([]*template.Template, error) {
	n := len(templates)
	if n < 2 {
		return templates, nil
	}

	index := make(map[string]int, n)      // rel path -> position
	baseIndex := make(map[string]int, n)  // base name -> position
	declarers := make(map[string][]int)   // normalized object name -> positions
	for i, t := range templates {
		index[t.Path] = i
		baseIndex[path.Base(t.Path)] = i
		for _, d := range Declarations(string(t.Content)) {
			nm := normalize(d.Name)
			declarers[nm] = append(declarers[nm], i)
			if j := strings.LastIndex(nm, "."); j >= 0 {
				declarers[nm[j+1:]] = append(declarers[nm[j+1:]], i)
			}
		}
	}

	adj := make([][]int, n)    // adj[i] = templates that must wait for i
	indegree := make([]int, n)
	addEdge := func(from, to int) {
		if from == to {
			return
		}
		for _, e := range adj[from] {
			if e == to {
				return
			}
		}
		adj[from] = append(adj[from], to)
		indegree[to]++
	}

	for i, t := range templates {
		src := string(t.Content)
		for _, dep := range DependsOn(src) {
			if j, ok := index[dep]; ok {
				addEdge(j, i)
			} else if j, ok := baseIndex[path.Base(dep)]; ok {
				addEdge(j, i)
			}
			// Directives naming files outside the batch are ignored.
		}
		for _, ref := range References(src) {
			for _, j := range declarers[ref] {
				addEdge(j, i)
			}
		}
	}

	// Kahn's algorithm, always draining the lowest discovery index first
	// so unrelated templates keep their incoming order.
	ready := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	out := make([]*template.Template, 0, n)
	for len(ready) > 0 {
		min := 0
		for k := 1; k < len(ready); k++ {
			if ready[k] < ready[min] {
				min = k
			}
		}
		i := ready[min]
		ready = append(ready[:min], ready[min+1:]...)
		out = append(out, templates[i])
		for _, j := range adj[i] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
			}
		}
	}

	if len(out) != n {
		var stuck []string
		for i, t := range templates {
			if indegree[i] > 0 {
				stuck = append(stuck, t.Path)
			}
		}
		return nil, fmt.Errorf("%w: %s", apperr.ErrDependencyCycle, strings.Join(stuck, ", "))
	}
	return out, nil
}
