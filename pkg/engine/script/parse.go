package script

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/justinsb/kllama/pkg/engine/ops"
)

// module is a compiled script: one function with positional parameters.
//
//	def forward(x, w):
//	    h = mul(x, w)
//	    y = scale(h, factor=0.5)
//	    return y, h
type module struct {
	name       string
	params     []string
	statements []statement
	returns    []string
}

type statement struct {
	line   int
	target string
	op     ops.Op
	args   []argument
	attrs  ops.Attrs
}

// argument is either a variable reference or a numeric literal.
type argument struct {
	name    string
	literal float32
	isConst bool
}

var (
	defPattern    = regexp.MustCompile(`^def\s+([A-Za-z_]\w*)\s*\(([^)]*)\)\s*:$`)
	assignPattern = regexp.MustCompile(`^([A-Za-z_]\w*)\s*=\s*([A-Za-z_]\w*)\s*\((.*)\)$`)
	identPattern  = regexp.MustCompile(`^[A-Za-z_]\w*$`)
)

func parseModule(src []byte) (*module, error) {
	m := &module{}
	defined := make(map[string]bool)
	seenDef := false
	seenReturn := false

	scanner := bufio.NewScanner(bytes.NewReader(src))
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if seenReturn {
			return nil, fmt.Errorf("line %d: statement after return", lineNumber)
		}

		if !seenDef {
			match := defPattern.FindStringSubmatch(line)
			if match == nil {
				return nil, fmt.Errorf("line %d: expected function definition, got %q", lineNumber, line)
			}
			m.name = match[1]
			params, err := splitIdentifiers(match[2])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNumber, err)
			}
			for _, p := range params {
				if defined[p] {
					return nil, fmt.Errorf("line %d: duplicate parameter %q", lineNumber, p)
				}
				defined[p] = true
			}
			m.params = params
			seenDef = true
			continue
		}

		if rest, ok := strings.CutPrefix(line, "return"); ok && (rest == "" || rest[0] == ' ' || rest[0] == '\t') {
			returns, err := splitIdentifiers(rest)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNumber, err)
			}
			if len(returns) == 0 {
				return nil, fmt.Errorf("line %d: return needs at least one value", lineNumber)
			}
			for _, r := range returns {
				if !defined[r] {
					return nil, fmt.Errorf("line %d: return of undefined variable %q", lineNumber, r)
				}
			}
			m.returns = returns
			seenReturn = true
			continue
		}

		st, err := parseStatement(line, defined)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNumber, err)
		}
		st.line = lineNumber
		defined[st.target] = true
		m.statements = append(m.statements, st)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}

	if !seenDef {
		return nil, fmt.Errorf("script has no function definition")
	}
	if !seenReturn {
		return nil, fmt.Errorf("function %s has no return statement", m.name)
	}
	return m, nil
}

func parseStatement(line string, defined map[string]bool) (statement, error) {
	match := assignPattern.FindStringSubmatch(line)
	if match == nil {
		return statement{}, fmt.Errorf("expected `name = op(args)`, got %q", line)
	}

	st := statement{target: match[1], attrs: ops.Attrs{}}
	op, ok := ops.Lookup(match[2])
	if !ok {
		return statement{}, fmt.Errorf("unknown op %q", match[2])
	}
	st.op = op

	for _, field := range strings.Split(match[3], ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if key, value, ok := strings.Cut(field, "="); ok {
			key = strings.TrimSpace(key)
			f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return statement{}, fmt.Errorf("attribute %q: %w", key, err)
			}
			st.attrs[key] = f
			continue
		}
		if identPattern.MatchString(field) {
			if !defined[field] {
				return statement{}, fmt.Errorf("undefined variable %q", field)
			}
			st.args = append(st.args, argument{name: field})
			continue
		}
		f, err := strconv.ParseFloat(field, 32)
		if err != nil {
			return statement{}, fmt.Errorf("invalid argument %q", field)
		}
		st.args = append(st.args, argument{literal: float32(f), isConst: true})
	}

	if op.Arity >= 0 && len(st.args) != op.Arity {
		return statement{}, fmt.Errorf("%s expects %d arguments, got %d", op.Name, op.Arity, len(st.args))
	}
	return st, nil
}

func splitIdentifiers(s string) ([]string, error) {
	var out []string
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if !identPattern.MatchString(field) {
			return nil, fmt.Errorf("invalid identifier %q", field)
		}
		out = append(out, field)
	}
	return out, nil
}
