// Package shellquote implements the command-normalization contract of
// spec.md §4.4.1: turning an argv/shell-snippet/interactive command plus a
// resolved configuration view into the single `bash -c <script>` argv the
// runner actually spawns, along with POSIX quoting and the local-expansion
// repair. The quoting style (single-quote, with `'` replaced by `'\''`) is
// the teacher's own shellQuote/shellJoin from internal/pty/manager.go,
// reused verbatim as the only shell-escaping primitive in this codebase.
package shellquote

import (
	"fmt"
	"strings"
)

// Mode is the command_mode input of spec.md §4.4.
type Mode string

const (
	ModeArgv         Mode = "argv"
	ModeShellSnippet Mode = "shell_snippet"
	ModeInteractive  Mode = "interactive"
)

// AmbiguousOperators is the set rejected by argv-mode validation
// (spec.md §4.4 step 1).
var AmbiguousOperators = map[string]bool{
	"|": true, "||": true, ";": true, "&&": true, "&": true,
	">": true, ">>": true, "<": true, "<<": true, "(": true, ")": true,
}

// ErrAmbiguousOperator is returned by ValidateArgv when a token is one of
// AmbiguousOperators.
type ErrAmbiguousOperator struct {
	Token string
}

func (e *ErrAmbiguousOperator) Error() string {
	return fmt.Sprintf("ambiguous shell operator %q in argv mode; use shell_snippet mode instead", e.Token)
}

// ValidateArgv rejects ambiguous shell operators in argv-mode commands
// (spec.md §4.4 step 1).
func ValidateArgv(command []string) error {
	for _, tok := range command {
		if AmbiguousOperators[tok] {
			return &ErrAmbiguousOperator{Token: tok}
		}
	}
	return nil
}

// Quote POSIX-quotes a single token for safe inclusion in a shell -c
// script, grounded on the teacher's shellQuote.
func Quote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

// Join quotes and space-joins a full argv, grounded on the teacher's
// shellJoin.
func Join(args []string) string {
	quoted := make([]string, 0, len(args))
	for _, a := range args {
		quoted = append(quoted, Quote(a))
	}
	return strings.Join(quoted, " ")
}

// SplitWords performs minimal POSIX shell word-splitting sufficient for
// config.interactive_command (a simple space-separated command with
// optional single/double quoting); it is not a full shell parser.
func SplitWords(s string) ([]string, error) {
	var words []string
	var cur strings.Builder
	inWord := false
	i := 0
	runes := []rune(s)
	for i < len(runes) {
		c := runes[i]
		switch {
		case c == '\'':
			inWord = true
			j := i + 1
			for j < len(runes) && runes[j] != '\'' {
				cur.WriteRune(runes[j])
				j++
			}
			if j >= len(runes) {
				return nil, fmt.Errorf("unterminated single quote in %q", s)
			}
			i = j + 1
		case c == '"':
			inWord = true
			j := i + 1
			for j < len(runes) && runes[j] != '"' {
				if runes[j] == '\\' && j+1 < len(runes) && (runes[j+1] == '"' || runes[j+1] == '\\') {
					cur.WriteRune(runes[j+1])
					j += 2
					continue
				}
				cur.WriteRune(runes[j])
				j++
			}
			if j >= len(runes) {
				return nil, fmt.Errorf("unterminated double quote in %q", s)
			}
			i = j + 1
		case c == ' ' || c == '\t':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
			i++
		default:
			inWord = true
			cur.WriteRune(c)
			i++
		}
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}

// downgradePairs maps interactive short-flag clusters to their non-PTY
// equivalents (spec.md §4.6 step 6 and §9 "downgrading belongs to the pipe
// variant's constructor").
var downgradePairs = map[string]string{
	"-ic":  "-c",
	"-ilc": "-lc",
}

// DowngradeInteractiveFlags rewrites interactive short-flag clusters to
// their non-interactive equivalents, used when falling back from a PTY to
// plain pipes (spec.md §4.6 step 6).
func DowngradeInteractiveFlags(argv []string) []string {
	out := make([]string, len(argv))
	for i, tok := range argv {
		if repl, ok := downgradePairs[tok]; ok {
			out[i] = repl
		} else {
			out[i] = tok
		}
	}
	return out
}

// looksLikeShell reports whether argv[0] names a shell the runner
// recognizes (spec.md §4.4.1 "already-normalized shell form").
func looksLikeShell(arg0 string) bool {
	base := arg0
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	switch base {
	case "bash", "sh", "zsh":
		return true
	default:
		return strings.HasPrefix(arg0, "/bin/")
	}
}

// hasShellCFlag reports whether any token in argv[1:] is -c, -lc, -ic,
// -ilc, or otherwise contains 'c' in a short-flag cluster (e.g. "-xc").
func hasShellCFlag(argv []string) bool {
	for _, tok := range argv[1:] {
		if len(tok) < 2 || tok[0] != '-' || tok[1] == '-' {
			continue
		}
		if strings.ContainsRune(tok[1:], 'c') {
			return true
		}
	}
	return false
}

// Prelude builds the optional shell prelude of spec.md §4.4.1: bashrc
// sourcing plus color aliases, each appended with a trailing newline.
func Prelude(sourceBashrc bool, noColorSet, stdoutIsTTY bool) string {
	var b strings.Builder
	if sourceBashrc {
		b.WriteString("if [ -r ~/.bashrc ]; then . ~/.bashrc >/dev/null 2>&1 || true; fi\n")
	}
	if !noColorSet && stdoutIsTTY {
		b.WriteString("shopt -s expand_aliases\n")
		b.WriteString("alias ls='ls --color=auto' grep='grep --color=auto' egrep='egrep --color=auto' fgrep='fgrep --color=auto'\n")
	}
	return b.String()
}

// LocalExpansionRepair rewrites argv tokens that the caller's local shell
// may have already expanded from $VAR to its local value, per spec.md
// §4.4.1 "Local-expansion repair". localEnv is the requester's local
// process environment; remoteEnv is the set of names being overridden for
// the remote side.
func LocalExpansionRepair(argv []string, localEnv map[string]string, remoteEnv map[string]string) []string {
	inline := map[string]string{}
	i := 0
	for i < len(argv) {
		eq := strings.IndexByte(argv[i], '=')
		if eq <= 0 {
			break
		}
		name := argv[i][:eq]
		if !isAssignmentName(name) {
			break
		}
		inline[name] = argv[i][eq+1:]
		i++
	}

	candidates := map[string]string{}
	for name := range remoteEnv {
		candidates[name] = localEnv[name]
	}
	for name := range inline {
		candidates[name] = localEnv[name]
	}

	out := make([]string, 0, len(argv))
	out = append(out, argv[:i]...)
	for _, tok := range argv[i:] {
		if isDollarForm(tok) {
			out = append(out, tok)
			continue
		}
		replaced := false
		for name, localVal := range candidates {
			if localVal == "" || tok != localVal {
				continue
			}
			if rhs, isInline := inline[name]; isInline {
				out = append(out, rhs)
			} else {
				out = append(out, "$"+name)
			}
			replaced = true
			break
		}
		if !replaced {
			out = append(out, tok)
		}
	}
	return out
}

func isDollarForm(tok string) bool {
	if strings.HasPrefix(tok, "${") && strings.HasSuffix(tok, "}") {
		return true
	}
	if strings.HasPrefix(tok, "$") && len(tok) > 1 {
		return isAssignmentName(tok[1:])
	}
	return false
}

func isAssignmentName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		isAlpha := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
		isDigit := r >= '0' && r <= '9'
		if i == 0 && isDigit {
			return false
		}
		if !isAlpha && !isDigit {
			return false
		}
	}
	return true
}

// Normalize implements the full command-normalization contract of
// spec.md §4.4.1, producing the final argv the runner should exec.
func Normalize(mode Mode, command []string, interactiveCommand string, sourceBashrc bool, localEnv, remoteEnv map[string]string, noColorSet, stdoutIsTTY bool) ([]string, error) {
	prelude := Prelude(sourceBashrc, noColorSet, stdoutIsTTY)

	switch mode {
	case ModeInteractive:
		cmdline := interactiveCommand
		if strings.TrimSpace(cmdline) == "" {
			cmdline = "bash --noprofile --norc -i"
		}
		argv, err := SplitWords(cmdline)
		if err != nil {
			return nil, fmt.Errorf("invalid interactive command: %w", err)
		}
		if !sourceBashrc {
			return argv, nil
		}
		return []string{"bash", "--noprofile", "--norc", "-c", prelude + "exec " + Join(argv)}, nil

	case ModeShellSnippet:
		if len(command) == 0 {
			return nil, fmt.Errorf("empty command in shell_snippet mode")
		}
		snippet := strings.Join(command, " ")
		return []string{"bash", "--noprofile", "--norc", "-c", prelude + snippet}, nil

	case ModeArgv:
		if len(command) == 0 {
			return nil, fmt.Errorf("empty command in argv mode")
		}
		if err := ValidateArgv(command); err != nil {
			return nil, err
		}
		if looksLikeShell(command[0]) && hasShellCFlag(command) {
			return command, nil
		}
		if len(command) == 1 {
			return []string{"bash", "--noprofile", "--norc", "-c", prelude + command[0]}, nil
		}
		rewritten := LocalExpansionRepair(command, localEnv, remoteEnv)
		joined := joinMixed(rewritten)
		return []string{"bash", "--noprofile", "--norc", "-c", prelude + joined}, nil

	default:
		return nil, fmt.Errorf("unknown command mode %q", mode)
	}
}

// joinMixed quotes each token unless it is already in $NAME/${NAME} form,
// per spec.md §4.4.1 "Tokens already shaped like $NAME ... are passed
// through unquoted".
func joinMixed(tokens []string) string {
	parts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if isDollarForm(t) {
			parts = append(parts, t)
		} else {
			parts = append(parts, Quote(t))
		}
	}
	return strings.Join(parts, " ")
}
