package config

import (
	"regexp"
	"strings"
)

const identPattern = `("[^"]+"|[A-Za-z_][A-Za-z0-9_$]*)`

var (
	createTablePattern = regexp.MustCompile(`(?is)\bCREATE\s+(?:UNLOGGED\s+)?TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?` +
		regexp.QuoteMeta(SchemaPlaceholder) + `\.` + identPattern + `\s*\(`)

	clauseLeadPattern      = regexp.MustCompile(`^` + identPattern + `(?:\s+|$)`)
	constraintNamePattern  = regexp.MustCompile(`(?is)^CONSTRAINT\s+` + identPattern + `\s+`)
	tablePrimaryKeyPattern = regexp.MustCompile(`(?is)^PRIMARY\s+KEY\s*\(\s*` + identPattern + `\s*\)`)
	tableUniquePattern     = regexp.MustCompile(`(?is)^UNIQUE\s*(?:NULLS\s+(?:NOT\s+)?DISTINCT\s*)?\(\s*` + identPattern + `\s*\)`)
	tableForeignKeyPattern = regexp.MustCompile(`(?is)^FOREIGN\s+KEY\s*\(\s*` + identPattern + `\s*\)`)
	referencesPattern      = regexp.MustCompile(`(?is)\bREFERENCES\s+` + regexp.QuoteMeta(SchemaPlaceholder) + `\.` +
		identPattern + `(?:\s*\(\s*` + identPattern + `\s*\))?`)

	primaryKeyWord = regexp.MustCompile(`(?i)\bPRIMARY\s+KEY\b`)
	uniqueWord     = regexp.MustCompile(`(?i)\bUNIQUE\b`)
	onDeleteAction = regexp.MustCompile(`(?i)\bON\s+DELETE\s+(CASCADE|RESTRICT|NO\s+ACTION|SET\s+NULL|SET\s+DEFAULT)\b`)
)

// Words that open a table constraint rather than a column definition.
var constraintKeywords = map[string]bool{
	"constraint": true, "primary": true, "unique": true, "foreign": true,
	"check": true, "exclude": true, "like": true,
}

// createdTable is the body of one CREATE TABLE statement of a template,
// split into column and constraint clauses.
type createdTable struct {
	name    string
	clauses []string
}

// reference is a foreign key found in a clause.
type reference struct {
	column    string
	table     string
	refColumn string // empty when the referenced table's primary key is implied
	cascades  bool
}

// identName folds an unquoted identifier the way PostgreSQL does.
func identName(raw string) string {
	if strings.HasPrefix(raw, `"`) {
		return strings.Trim(raw, `"`)
	}
	return strings.ToLower(raw)
}

// createdTables returns every CREATE TABLE {schema}.<name> (...) statement of
// template in order. A statement whose body is not closed is dropped.
func createdTables(template string) []createdTable {
	var tables []createdTable
	for _, m := range createTablePattern.FindAllStringSubmatchIndex(template, -1) {
		clauses, ok := splitClauses(template[m[1]:])
		if !ok {
			continue
		}
		tables = append(tables, createdTable{
			name:    identName(template[m[2]:m[3]]),
			clauses: clauses,
		})
	}
	return tables
}

// splitClauses splits the text after a table's opening parenthesis on commas
// at nesting depth zero, up to the matching closing parenthesis. Quoted
// literals and identifiers are skipped.
func splitClauses(body string) ([]string, bool) {
	var (
		clauses []string
		depth   int
		quote   rune
		start   int
	)
	add := func(end int) {
		if c := strings.Join(strings.Fields(body[start:end]), " "); c != "" {
			clauses = append(clauses, c)
		}
	}
	for i, r := range body {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			if depth == 0 {
				add(i)
				return clauses, true
			}
			depth--
		case r == ',' && depth == 0:
			add(i)
			start = i + 1
		}
	}
	return nil, false
}

// columnClause returns the column name and the rest of a column definition.
// ok is false for table constraints.
func columnClause(clause string) (name, rest string, ok bool) {
	m := clauseLeadPattern.FindStringSubmatchIndex(clause)
	if m == nil {
		return "", "", false
	}
	raw := clause[m[2]:m[3]]
	if !strings.HasPrefix(raw, `"`) && constraintKeywords[strings.ToLower(raw)] {
		return "", "", false
	}
	return identName(raw), clause[m[1]:], true
}

// tableConstraint strips an optional CONSTRAINT name prefix.
func tableConstraint(clause string) string {
	if loc := constraintNamePattern.FindStringIndex(clause); loc != nil {
		return clause[loc[1]:]
	}
	return clause
}

func (c createdTable) primaryKey() string {
	for _, clause := range c.clauses {
		if name, rest, ok := columnClause(clause); ok {
			if primaryKeyWord.MatchString(rest) {
				return name
			}
			continue
		}
		if m := tablePrimaryKeyPattern.FindStringSubmatch(tableConstraint(clause)); m != nil {
			return identName(m[1])
		}
	}
	return ""
}

func (c createdTable) unique(column string) bool {
	for _, clause := range c.clauses {
		if name, rest, ok := columnClause(clause); ok {
			if name == column && (uniqueWord.MatchString(rest) || primaryKeyWord.MatchString(rest)) {
				return true
			}
			continue
		}
		constraint := tableConstraint(clause)
		if m := tableUniquePattern.FindStringSubmatch(constraint); m != nil && identName(m[1]) == column {
			return true
		}
		if m := tablePrimaryKeyPattern.FindStringSubmatch(constraint); m != nil && identName(m[1]) == column {
			return true
		}
	}
	return false
}

func (c createdTable) references() []reference {
	var refs []reference
	for _, clause := range c.clauses {
		var column, rest string
		if name, r, ok := columnClause(clause); ok {
			column, rest = name, r
		} else {
			constraint := tableConstraint(clause)
			m := tableForeignKeyPattern.FindStringSubmatchIndex(constraint)
			if m == nil {
				continue
			}
			column, rest = identName(constraint[m[2]:m[3]]), constraint[m[1]:]
		}

		m := referencesPattern.FindStringSubmatchIndex(rest)
		if m == nil {
			continue
		}
		ref := reference{column: column, table: identName(rest[m[2]:m[3]])}
		if m[4] >= 0 {
			ref.refColumn = identName(rest[m[4]:m[5]])
		}
		// Referential actions may come in any order after the target.
		if a := onDeleteAction.FindStringSubmatch(rest[m[1]:]); a != nil {
			ref.cascades = strings.EqualFold(a[1], "CASCADE")
		}
		refs = append(refs, ref)
	}
	return refs
}
