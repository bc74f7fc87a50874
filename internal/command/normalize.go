// Package command normalizes raw command lines into exec descriptors and
// enforces the dangerous-command policy.
//
// A command line becomes either a direct execution (executable plus
// literal arguments) or a shell form handed to /bin/sh when it uses
// pipelines, redirections, expansions, or other shell features. Dangerous
// invocations are refused before anything is spawned; setting
// MCP_PTY_USER_CONSENT_FOR_DANGEROUS_ACTIONS bypasses the policy with a
// logged warning.
package command

import (
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Spec describes how a command line will be executed.
type Spec struct {
	// Path and Args hold a direct execution. Path is empty for an empty
	// command line, which opens a plain interactive shell.
	Path string
	Args []string

	// Shell marks command lines that need a shell; Raw is the line as
	// typed.
	Shell bool
	Raw   string
}

// Empty reports whether the command line was blank.
func (s Spec) Empty() bool {
	return !s.Shell && s.Path == ""
}

// separatorPattern catches operator characters the structural analysis
// may have missed; any match forces the shell form.
var separatorPattern = regexp.MustCompile(`&&|\|\||\||;|>|<|<<|>>`)

// Normalize parses a raw command line, applies the dangerous-command
// policy, and returns the execution descriptor. Lines the POSIX grammar
// rejects are validated textually and passed to the shell verbatim.
func Normalize(raw string) (Spec, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Spec{}, nil
	}

	parser := syntax.NewParser(syntax.Variant(syntax.LangPOSIX))
	file, err := parser.Parse(strings.NewReader(trimmed), "")
	if err != nil {
		if verr := applyConsent(ValidateRaw(trimmed)); verr != nil {
			return Spec{}, verr
		}
		return Spec{Shell: true, Raw: trimmed}, nil
	}

	w := &walker{}
	w.inspect(file)
	if verr := applyConsent(w.err); verr != nil {
		return Spec{}, verr
	}

	if !w.needsShell && separatorPattern.MatchString(trimmed) {
		w.needsShell = true
	}

	if !w.needsShell && len(file.Stmts) == 1 {
		if call, ok := file.Stmts[0].Cmd.(*syntax.CallExpr); ok {
			if argv, ok := literalArgv(call); ok {
				return Spec{Path: argv[0], Args: argv[1:]}, nil
			}
		}
	}

	if verr := applyConsent(checkShellHead(trimmed)); verr != nil {
		return Spec{}, verr
	}
	return Spec{Shell: true, Raw: trimmed}, nil
}

// walker scans the syntax tree for shell-required features and policy
// violations.
type walker struct {
	needsShell bool
	err        error
}

func (w *walker) record(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *walker) inspect(file *syntax.File) {
	if len(file.Stmts) != 1 {
		w.needsShell = true
	}
	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.Stmt:
			if n.Background || n.Negated || n.Coprocess {
				w.needsShell = true
			}
		case *syntax.CallExpr:
			w.call(n)
		case *syntax.BinaryCmd:
			// Pipelines and && / || chains.
			w.needsShell = true
		case *syntax.Redirect:
			w.needsShell = true
			if n.Word != nil {
				if target, ok := literal(n.Word); ok {
					w.record(checkRedirectTarget(target))
				}
			}
		case *syntax.Assign:
			w.needsShell = true
		case *syntax.ParamExp, *syntax.CmdSubst, *syntax.ArithmExp, *syntax.ProcSubst, *syntax.ExtGlob:
			w.needsShell = true
		case *syntax.Block, *syntax.IfClause, *syntax.ForClause, *syntax.WhileClause,
			*syntax.CaseClause, *syntax.Subshell, *syntax.FuncDecl, *syntax.ArithmCmd,
			*syntax.TimeClause:
			w.needsShell = true
		}
		return true
	})
}

// call checks one invocation against the policy and flags shell features
// in its words.
func (w *walker) call(call *syntax.CallExpr) {
	if len(call.Args) == 0 {
		return
	}
	head, ok := literal(call.Args[0])
	if !ok {
		w.needsShell = true
		return
	}
	var args []string
	for _, word := range call.Args[1:] {
		if unquotedGlob(word) {
			w.needsShell = true
		}
		v, ok := literal(word)
		if !ok {
			w.needsShell = true
			continue
		}
		args = append(args, v)
	}
	if unquotedGlob(call.Args[0]) {
		w.needsShell = true
	}
	w.record(checkCall(head, args))
}

// literal resolves a word to its text when it contains no expansions.
func literal(w *syntax.Word) (string, bool) {
	var sb strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			if p.Dollar {
				return "", false
			}
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, dp := range p.Parts {
				lit, ok := dp.(*syntax.Lit)
				if !ok {
					return "", false
				}
				sb.WriteString(lit.Value)
			}
		default:
			return "", false
		}
	}
	return sb.String(), true
}

// unquotedGlob reports whether an unquoted segment of the word carries
// glob metacharacters the shell would expand.
func unquotedGlob(w *syntax.Word) bool {
	for _, part := range w.Parts {
		if lit, ok := part.(*syntax.Lit); ok && strings.ContainsAny(lit.Value, "*?[") {
			return true
		}
	}
	return false
}

// literalArgv extracts the argv of a call whose words are all literal.
func literalArgv(call *syntax.CallExpr) ([]string, bool) {
	if len(call.Assigns) > 0 || len(call.Args) == 0 {
		return nil, false
	}
	argv := make([]string, 0, len(call.Args))
	for _, word := range call.Args {
		v, ok := literal(word)
		if !ok {
			return nil, false
		}
		argv = append(argv, v)
	}
	return argv, true
}
