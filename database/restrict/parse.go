package restrict

import (
	"strings"
)

// Kind classifies a SQL statement.
type Kind string

const (
	KindDDL   Kind = "ddl"
	KindDML   Kind = "dml"
	KindRead  Kind = "read"
	KindOther Kind = "other"
)

// Rename is a table rename performed by a statement.
type Rename struct {
	From string
	To   string
}

// Statement is a single classified SQL statement. Table names keep their schema qualification when written with one.
type Statement struct {
	SQL  string
	Kind Kind
	// DDLTables are the tables whose definition the statement changes.
	DDLTables []string
	// DDLFunctions are the functions the statement defines, alters or drops.
	DDLFunctions []string
	// DDLObjects are the indexes and sequences the statement changes without naming the table they belong to.
	DDLObjects []string
	// AllTables is set for maintenance statements without a target, which act on every table of the database.
	AllTables     bool
	WriteTables   []string
	ReadTables    []string
	CreatedTables []string
	DroppedTables []string
	Renames       []Rename
}

// Tables returns every table the statement references, without duplicates.
func (s Statement) Tables() []string {
	var out []string
	seen := make(map[string]bool)
	for _, list := range [][]string{s.DDLTables, s.WriteTables, s.ReadTables} {
		for _, t := range list {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// Parse splits sql into statements and classifies each of them.
func Parse(sql string) ([]Statement, error) {
	toks, err := lex(sql)
	if err != nil {
		return nil, err
	}

	var stmts []Statement
	start := 0
	for i := 0; i <= len(toks); i++ {
		if i < len(toks) && !toks[i].isPunct(";") {
			continue
		}
		if i > start {
			part := toks[start:i]
			text := strings.TrimSpace(sql[part[0].pos:part[len(part)-1].end])
			stmts = append(stmts, classify(text, part))
		}
		start = i + 1
	}
	return stmts, nil
}

type parser struct {
	toks []token
	st   *Statement
}

func (p *parser) at(i int) token {
	if i < 0 || i >= len(p.toks) {
		return token{kind: tokEOF}
	}
	return p.toks[i]
}

func (p *parser) skip(i int, keywords ...string) int {
	for p.at(i).is(keywords...) {
		i++
	}
	return i
}

// name reads a possibly qualified name starting at i.
func (p *parser) name(i int) (string, int, bool) {
	t := p.at(i)
	if !t.isName() {
		return "", i, false
	}
	n := t.val
	i++
	for p.at(i).isPunct(".") && p.at(i+1).isName() {
		n += "." + p.at(i+1).val
		i += 2
	}
	return n, i, true
}

// nameList reads a comma separated list of names starting at i.
func (p *parser) nameList(i int) ([]string, int) {
	var names []string
	for {
		n, next, ok := p.name(i)
		if !ok {
			return names, i
		}
		names = append(names, n)
		i = next
		if !p.at(i).isPunct(",") {
			return names, i
		}
		i++
	}
}

// closing returns the index just past the parenthesis matching the one at i.
func (p *parser) closing(i int) int {
	depth := 0
	for ; i < len(p.toks); i++ {
		switch {
		case p.toks[i].isPunct("("):
			depth++
		case p.toks[i].isPunct(")"):
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return len(p.toks)
}

func classify(sql string, toks []token) Statement {
	st := Statement{SQL: sql, Kind: KindOther}
	p := &parser{toks: toks, st: &st}

	switch head := p.at(0); {
	case head.is("select", "with", "values", "table", "explain", "show"):
		st.Kind = KindRead
		p.dml()
	case head.is("insert", "update", "delete", "merge", "truncate", "copy"):
		st.Kind = KindDML
		p.dml()
	case head.is("create"):
		st.Kind = KindDDL
		p.create()
	case head.is("alter"):
		st.Kind = KindDDL
		p.alter()
	case head.is("drop"):
		st.Kind = KindDDL
		p.drop()
	case head.is("comment"):
		st.Kind = KindDDL
		p.comment()
	case head.is("grant", "revoke"):
		st.Kind = KindDDL
	case head.is("reindex", "cluster", "vacuum", "analyze", "analyse"):
		st.Kind = KindDDL
		p.maintenance()
	}

	st.DDLTables = dedup(st.DDLTables)
	st.DDLFunctions = dedup(st.DDLFunctions)
	st.DDLObjects = dedup(st.DDLObjects)
	st.WriteTables = dedup(st.WriteTables)
	st.ReadTables = dedup(subtract(st.ReadTables, st.WriteTables))
	return st
}

func (p *parser) dml() {
	p.writes()
	if len(p.st.WriteTables) > 0 {
		p.st.Kind = KindDML
	}

	// COPY t FROM/TO has no query to scan
	if p.at(0).is("copy") && !p.at(1).isPunct("(") {
		return
	}
	reads := p.reads()
	ctes := p.cteNames()
	for _, r := range reads {
		if !ctes[r] {
			p.st.ReadTables = append(p.st.ReadTables, r)
		}
	}
}

func (p *parser) writes() {
	st := p.st

	switch {
	case p.at(0).is("truncate"):
		i := p.skip(1, "table", "only")
		names, _ := p.nameList(i)
		st.WriteTables = append(st.WriteTables, names...)
		return
	case p.at(0).is("copy"):
		n, i, ok := p.name(1)
		if !ok {
			return
		}
		if p.at(i).isPunct("(") {
			i = p.closing(i)
		}
		if p.at(i).is("from") {
			st.WriteTables = append(st.WriteTables, n)
		} else {
			st.ReadTables = append(st.ReadTables, n)
		}
		return
	}

	for i, t := range p.toks {
		var target int
		switch {
		case t.is("insert", "merge") && p.at(i+1).is("into"):
			target = i + 2
		case t.is("delete") && p.at(i+1).is("from"):
			target = i + 2
		case t.is("update") && !p.at(i-1).is("for", "do", "key", "on", "or", "of") && p.at(i+1).isName() && !p.at(i+1).is("set"):
			target = i + 1
		default:
			continue
		}
		if n, _, ok := p.name(p.skip(target, "only")); ok {
			st.WriteTables = append(st.WriteTables, n)
		}
	}
}

// functionsWithFrom are functions whose argument syntax uses the FROM keyword.
var functionsWithFrom = map[string]bool{
	"extract":   true,
	"substring": true,
	"trim":      true,
	"overlay":   true,
	"position":  true,
}

// listEnd are keywords that end a FROM list.
var listEnd = map[string]bool{
	"where": true, "group": true, "order": true, "limit": true, "offset": true, "having": true, "union": true,
	"intersect": true, "except": true, "returning": true, "window": true, "fetch": true, "for": true, "set": true,
	"into": true, "values": true, "select": true, "on": true, "when": true, "then": true,
}

// reads collects the tables named in FROM and JOIN clauses, and in USING clauses of DELETE and MERGE.
func (p *parser) reads() []string {
	usingIsFrom := p.at(0).is("delete", "merge", "with")

	var tables []string
	depth := 0
	// openers holds, per depth, the identifier directly preceding the opening parenthesis
	openers := []string{""}
	// lists holds, per depth, whether a comma continues a FROM list
	lists := []bool{false}
	expect := false

	for i := 0; i < len(p.toks); i++ {
		t := p.toks[i]
		switch {
		case t.isPunct("("):
			opener := ""
			if prev := p.at(i - 1); prev.kind == tokIdent {
				opener = prev.val
			}
			depth++
			openers = append(openers, opener)
			lists = append(lists, false)
			expect = false
			continue
		case t.isPunct(")"):
			if depth > 0 {
				depth--
				openers = openers[:len(openers)-1]
				lists = lists[:len(lists)-1]
			}
			continue
		case t.isPunct(","):
			if lists[depth] {
				expect = true
			}
			continue
		}

		if t.is("from") {
			if functionsWithFrom[openers[depth]] {
				continue
			}
			// IS [NOT] DISTINCT FROM
			if p.at(i-1).is("distinct") && p.at(i-2).is("is", "not") {
				continue
			}
			expect, lists[depth] = true, true
			continue
		}
		if t.is("join") || (usingIsFrom && t.is("using")) {
			expect, lists[depth] = true, true
			continue
		}
		if t.kind == tokIdent && listEnd[t.val] {
			if t.val != "on" {
				lists[depth] = false
			}
			expect = false
			continue
		}
		if !expect {
			continue
		}
		if t.is("only", "lateral") {
			continue
		}

		expect = false
		n, next, ok := p.name(i)
		if !ok {
			continue
		}
		// function call in FROM
		if p.at(next).isPunct("(") {
			continue
		}
		tables = append(tables, n)
		i = next - 1
	}
	return tables
}

// cteNames returns the names defined by WITH clauses.
func (p *parser) cteNames() map[string]bool {
	names := make(map[string]bool)
	for i, t := range p.toks {
		if !t.is("with") {
			continue
		}
		j := p.skip(i+1, "recursive")
		for {
			n, end, ok := p.cte(j)
			if !ok {
				break
			}
			names[n] = true
			if !p.at(end).isPunct(",") {
				break
			}
			j = end + 1
		}
	}
	return names
}

// cte matches `name [(columns)] AS [NOT] [MATERIALIZED] (query)` at i and returns the index past the query.
func (p *parser) cte(i int) (string, int, bool) {
	t := p.at(i)
	if !t.isName() {
		return "", i, false
	}
	j := i + 1
	if p.at(j).isPunct("(") {
		j = p.closing(j)
	}
	if !p.at(j).is("as") {
		return "", i, false
	}
	j = p.skip(j+1, "not", "materialized")
	if !p.at(j).isPunct("(") {
		return "", i, false
	}
	return t.val, p.closing(j), true
}

func (p *parser) create() {
	st := p.st
	i := p.skip(1, "or", "replace", "unique", "temp", "temporary", "unlogged", "global", "local", "constraint", "recursive")

	switch t := p.at(i); {
	case t.is("table"):
		i = p.skip(i+1, "if", "not", "exists")
		n, next, ok := p.name(i)
		if !ok {
			return
		}
		st.CreatedTables = append(st.CreatedTables, n)
		st.DDLTables = append(st.DDLTables, n)
		if p.at(next).is("partition") && p.at(next+1).is("of") {
			if parent, _, ok := p.name(next + 2); ok {
				st.DDLTables = append(st.DDLTables, parent)
			}
		}
	case t.is("index"):
		i = p.skip(i+1, "concurrently", "if", "not", "exists")
		if !p.at(i).is("on") {
			_, i, _ = p.name(i)
		}
		if !p.at(i).is("on") {
			return
		}
		if n, _, ok := p.name(p.skip(i+1, "only")); ok {
			st.DDLTables = append(st.DDLTables, n)
		}
	case t.is("sequence"):
		if n, _, ok := p.name(p.skip(i+1, "if", "not", "exists")); ok {
			st.DDLObjects = append(st.DDLObjects, n)
		}
		p.ownedBy(i + 1)
	case t.is("trigger", "policy"):
		p.onTable(i + 1)
	case t.is("function", "procedure"):
		if n, _, ok := p.name(i + 1); ok {
			st.DDLFunctions = append(st.DDLFunctions, n)
		}
	case t.is("view"):
		p.viewName(i + 1)
	case t.is("materialized") && p.at(i+1).is("view"):
		p.viewName(i + 2)
	}
}

func (p *parser) viewName(i int) {
	i = p.skip(i, "if", "not", "exists")
	if n, _, ok := p.name(i); ok {
		p.st.DDLTables = append(p.st.DDLTables, n)
	}
}

// ownedBy records the table of an OWNED BY table.column clause at or after i.
func (p *parser) ownedBy(i int) {
	for ; i < len(p.toks); i++ {
		if !p.toks[i].is("owned") || !p.at(i+1).is("by") {
			continue
		}
		if n, _, ok := p.name(i + 2); ok {
			if idx := strings.LastIndex(n, "."); idx > 0 {
				p.st.DDLTables = append(p.st.DDLTables, n[:idx])
			}
		}
		return
	}
}

// onTable records the table following the first ON keyword at or after i.
func (p *parser) onTable(i int) {
	for ; i < len(p.toks); i++ {
		if p.toks[i].is("on") {
			if n, _, ok := p.name(i + 1); ok {
				p.st.DDLTables = append(p.st.DDLTables, n)
			}
			return
		}
	}
}

func (p *parser) alter() {
	st := p.st

	switch t := p.at(1); {
	case t.is("table"):
		i := p.skip(2, "if", "exists", "only")
		n, next, ok := p.name(i)
		if !ok {
			return
		}
		st.DDLTables = append(st.DDLTables, n)

		depth := 0
		for j := next; j < len(p.toks); j++ {
			switch tok := p.toks[j]; {
			case tok.isPunct("("):
				depth++
			case tok.isPunct(")"):
				depth--
			case depth > 0:
			case tok.is("rename") && p.at(j+1).is("to"):
				if to, _, ok := p.name(j + 2); ok {
					st.Renames = append(st.Renames, Rename{From: n, To: qualifyLike(n, to)})
				}
			case tok.is("attach", "detach") && p.at(j+1).is("partition"):
				if part, _, ok := p.name(j + 2); ok {
					st.DDLTables = append(st.DDLTables, part)
				}
			}
		}
	case t.is("function", "procedure"):
		if n, _, ok := p.name(2); ok {
			st.DDLFunctions = append(st.DDLFunctions, n)
		}
	case t.is("index"):
		// ALTER INDEX ALL IN TABLESPACE
		if p.at(2).is("all") && p.at(3).is("in") {
			st.AllTables = true
			return
		}
		n, next, ok := p.name(p.skip(2, "if", "exists"))
		if !ok {
			return
		}
		st.DDLObjects = append(st.DDLObjects, n)
		if p.at(next).is("attach") && p.at(next+1).is("partition") {
			if part, _, ok := p.name(next + 2); ok {
				st.DDLObjects = append(st.DDLObjects, part)
			}
		}
	case t.is("sequence"):
		if n, _, ok := p.name(p.skip(2, "if", "exists")); ok {
			st.DDLObjects = append(st.DDLObjects, n)
		}
		p.ownedBy(2)
	case t.is("view"):
		p.viewName(2)
	case t.is("materialized") && p.at(2).is("view"):
		p.viewName(3)
	case t.is("trigger", "policy"):
		p.onTable(2)
	}
}

// qualifyLike gives to the schema of from, since RENAME TO never moves a table to another schema.
func qualifyLike(from, to string) string {
	if s, _, ok := strings.Cut(from, "."); ok && !strings.Contains(to, ".") {
		return s + "." + to
	}
	return to
}

func (p *parser) drop() {
	st := p.st

	switch t := p.at(1); {
	case t.is("table"):
		names, _ := p.nameList(p.skip(2, "if", "exists"))
		st.DroppedTables = append(st.DroppedTables, names...)
		st.DDLTables = append(st.DDLTables, names...)
	case t.is("trigger", "policy"):
		p.onTable(2)
	case t.is("function", "procedure"):
		names, _ := p.functionList(p.skip(2, "if", "exists"))
		st.DDLFunctions = append(st.DDLFunctions, names...)
	case t.is("index"):
		names, _ := p.nameList(p.skip(2, "concurrently", "if", "exists"))
		st.DDLObjects = append(st.DDLObjects, names...)
	case t.is("sequence"):
		names, _ := p.nameList(p.skip(2, "if", "exists"))
		st.DDLObjects = append(st.DDLObjects, names...)
	case t.is("view"):
		names, _ := p.nameList(p.skip(2, "if", "exists"))
		st.DDLTables = append(st.DDLTables, names...)
	case t.is("materialized") && p.at(2).is("view"):
		names, _ := p.nameList(p.skip(3, "if", "exists"))
		st.DDLTables = append(st.DDLTables, names...)
	}
}

// functionList reads `f1(args), f2, ...`.
func (p *parser) functionList(i int) ([]string, int) {
	var names []string
	for {
		n, next, ok := p.name(i)
		if !ok {
			return names, i
		}
		names = append(names, n)
		i = next
		if p.at(i).isPunct("(") {
			i = p.closing(i)
		}
		if !p.at(i).isPunct(",") {
			return names, i
		}
		i++
	}
}

func (p *parser) comment() {
	st := p.st
	if !p.at(1).is("on") {
		return
	}

	switch t := p.at(2); {
	case t.is("table", "view"):
		if n, _, ok := p.name(3); ok {
			st.DDLTables = append(st.DDLTables, n)
		}
	case t.is("materialized") && p.at(3).is("view"):
		if n, _, ok := p.name(4); ok {
			st.DDLTables = append(st.DDLTables, n)
		}
	case t.is("column"):
		if n, _, ok := p.name(3); ok {
			if idx := strings.LastIndex(n, "."); idx > 0 {
				st.DDLTables = append(st.DDLTables, n[:idx])
			}
		}
	case t.is("index", "sequence"):
		if n, _, ok := p.name(3); ok {
			st.DDLObjects = append(st.DDLObjects, n)
		}
	case t.is("trigger", "policy"):
		p.onTable(3)
	case t.is("function", "procedure"):
		if n, _, ok := p.name(3); ok {
			st.DDLFunctions = append(st.DDLFunctions, n)
		}
	}
}

// maintenance records the targets of REINDEX, CLUSTER, VACUUM and ANALYZE. Without a target they act on every
// table of the database.
func (p *parser) maintenance() {
	st := p.st
	i := 1
	if p.at(i).isPunct("(") {
		i = p.closing(i)
	}

	switch {
	case p.at(0).is("reindex"):
		switch t := p.at(i); {
		case t.is("table"):
			if n, _, ok := p.name(p.skip(i+1, "concurrently")); ok {
				st.DDLTables = append(st.DDLTables, n)
				return
			}
		case t.is("index"):
			if n, _, ok := p.name(p.skip(i+1, "concurrently")); ok {
				st.DDLObjects = append(st.DDLObjects, n)
				return
			}
		}
		// SCHEMA, DATABASE and SYSTEM
		st.AllTables = true
	case p.at(0).is("cluster"):
		n, next, ok := p.name(p.skip(i, "verbose"))
		switch {
		case !ok:
			st.AllTables = true
		case p.at(next).is("on"):
			// CLUSTER index ON table
			if table, _, ok := p.name(next + 1); ok {
				st.DDLTables = append(st.DDLTables, table)
			}
		default:
			st.DDLTables = append(st.DDLTables, n)
		}
	default:
		i = p.skip(i, "full", "freeze", "verbose", "analyze", "analyse")
		var names []string
		for {
			n, next, ok := p.name(i)
			if !ok {
				break
			}
			names = append(names, n)
			i = next
			if p.at(i).isPunct("(") {
				i = p.closing(i)
			}
			if !p.at(i).isPunct(",") {
				break
			}
			i++
		}
		if len(names) == 0 {
			st.AllTables = true
		}
		st.DDLTables = append(st.DDLTables, names...)
	}
}

func dedup(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func subtract(in, remove []string) []string {
	if len(remove) == 0 {
		return in
	}
	drop := make(map[string]bool, len(remove))
	for _, r := range remove {
		drop[r] = true
	}
	var out []string
	for _, s := range in {
		if !drop[s] {
			out = append(out, s)
		}
	}
	return out
}
