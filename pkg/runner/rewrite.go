package runner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/callstub"
)

// callSite is a validated `target = capability(...)` line.
type callSite struct {
	line   int
	target string
}

// locateCallSite validates that line (1-based) of code is a supported call
// site for the named capability. names holds every installed capability.
func locateCallSite(code string, line int, name string, names []string) (*callSite, error) {
	lines := strings.Split(code, "\n")
	if line <= 0 || line > len(lines) {
		return nil, &callstub.InterceptionProtocolError{
			Reason: fmt.Sprintf("reported line %d outside code of %d lines", line, len(lines)),
		}
	}
	text := lines[line-1]
	unsupported := func(reason string) error {
		return &UnsupportedCallSiteError{Line: line, Text: text, Reason: reason}
	}

	if strings.TrimSpace(text) == "" {
		return nil, &callstub.InterceptionProtocolError{
			Reason: fmt.Sprintf("reported line %d is blank", line),
		}
	}
	if text[0] == ' ' || text[0] == '\t' {
		return nil, unsupported("call inside an indented block")
	}

	masked := maskLiterals(text)
	calls := capabilityCalls(masked, names)
	if len(calls) == 0 {
		return nil, &callstub.InterceptionProtocolError{
			Reason: fmt.Sprintf("line %d does not call %s", line, name),
		}
	}
	if len(calls) > 1 {
		return nil, unsupported("more than one capability call on the line")
	}
	call := calls[0]
	if got := masked[call[2]:call[3]]; got != name {
		return nil, &callstub.InterceptionProtocolError{
			Reason: fmt.Sprintf("line %d calls %s, not %s", line, got, name),
		}
	}
	nameStart, open := call[2], call[1]-1

	eq := assignmentIndex(masked)
	if eq < 0 || eq > nameStart {
		return nil, unsupported("call result is not assigned to a variable")
	}
	target := strings.TrimSpace(text[:eq])
	if target == "" {
		return nil, unsupported("empty assignment target")
	}
	if between := strings.TrimSpace(masked[eq+1 : nameStart]); between != "" {
		if assignmentIndex(between) >= 0 {
			return nil, unsupported("chained assignment")
		}
		return nil, unsupported("call is part of a larger expression")
	}

	closing := matchingParen(masked, open)
	if closing < 0 {
		return nil, unsupported("call spans multiple lines")
	}
	if rest := strings.TrimSpace(masked[closing+1:]); rest != "" {
		return nil, unsupported("code follows the call on the same line")
	}

	return &callSite{line: line, target: target}, nil
}

// rewrite replaces the call site with a binding of target to literal and
// keeps every following line verbatim.
func rewrite(code string, site *callSite, literal string) string {
	lines := strings.Split(code, "\n")
	out := make([]string, 0, len(lines)-site.line+1)
	out = append(out, site.target+" = "+literal)
	out = append(out, lines[site.line:]...)
	return strings.Join(out, "\n")
}

func callPattern(names []string) *regexp.Regexp {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = regexp.QuoteMeta(n)
	}
	return regexp.MustCompile(`\b(` + strings.Join(quoted, "|") + `)\s*\(`)
}

// capabilityCalls returns the submatch indexes of capability calls in
// masked. Attribute calls such as `obj.web_search(` are not capability calls.
func capabilityCalls(masked string, names []string) [][]int {
	var calls [][]int
	for _, m := range callPattern(names).FindAllStringSubmatchIndex(masked, -1) {
		prev := strings.TrimRight(masked[:m[2]], " \t")
		if strings.HasSuffix(prev, ".") {
			continue
		}
		calls = append(calls, m)
	}
	return calls
}

// maskLiterals blanks the contents of string literals and any trailing
// comment, keeping every byte offset of text.
func maskLiterals(text string) string {
	out := []byte(text)
	var quote byte
	for i := 0; i < len(out); i++ {
		c := out[i]
		if quote != 0 {
			switch {
			case c == '\\':
				out[i] = ' '
				if i+1 < len(out) {
					i++
					out[i] = ' '
				}
			case c == quote:
				quote = 0
			default:
				out[i] = ' '
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '#':
			for j := i; j < len(out); j++ {
				out[j] = ' '
			}
			return string(out)
		}
	}
	return string(out)
}

// assignmentIndex returns the index of the first plain `=` outside brackets
// in masked text, or -1. Comparison and augmented operators do not count.
func assignmentIndex(masked string) int {
	depth := 0
	for i := 0; i < len(masked); i++ {
		switch c := masked[i]; c {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case '=':
			if depth != 0 {
				continue
			}
			if i+1 < len(masked) && masked[i+1] == '=' {
				return -1
			}
			if i > 0 && strings.IndexByte("=!<>+-*/%&|^@:", masked[i-1]) >= 0 {
				return -1
			}
			return i
		}
	}
	return -1
}

// matchingParen returns the index of the parenthesis closing the one at
// open, or -1 if it does not close within masked.
func matchingParen(masked string, open int) int {
	depth := 0
	for i := open; i < len(masked); i++ {
		switch masked[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
