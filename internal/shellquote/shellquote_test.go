package shellquote

import (
	"strings"
	"testing"
)

func TestValidateArgv_RejectsAmbiguousOperators(t *testing.T) {
	for _, tok := range []string{"|", "||", ";", "&&", "&", ">", ">>", "<", "<<", "(", ")"} {
		err := ValidateArgv([]string{"echo", "hi", tok})
		if err == nil {
			t.Fatalf("expected rejection for operator %q", tok)
		}
		var aoErr *ErrAmbiguousOperator
		if e, ok := err.(*ErrAmbiguousOperator); !ok {
			t.Fatalf("expected *ErrAmbiguousOperator, got %T", err)
		} else {
			aoErr = e
		}
		if aoErr.Token != tok {
			t.Fatalf("token = %q, want %q", aoErr.Token, tok)
		}
	}
	if err := ValidateArgv([]string{"echo", "hi"}); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestQuote_EmptyAndSingleQuotes(t *testing.T) {
	if Quote("") != "''" {
		t.Fatalf("empty quote = %q", Quote(""))
	}
	got := Quote("it's")
	want := `'it'\''s'`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestSplitWords(t *testing.T) {
	words, err := SplitWords(`bash --noprofile --norc -i`)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"bash", "--noprofile", "--norc", "-i"}
	if len(words) != len(want) {
		t.Fatalf("got %v", words)
	}
	for i := range want {
		if words[i] != want[i] {
			t.Fatalf("words[%d] = %q, want %q", i, words[i], want[i])
		}
	}
}

func TestSplitWords_QuotedSegments(t *testing.T) {
	words, err := SplitWords(`sh -c "echo hi"`)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"sh", "-c", "echo hi"}
	for i := range want {
		if words[i] != want[i] {
			t.Fatalf("words[%d] = %q, want %q (full: %v)", i, words[i], want[i], words)
		}
	}
}

func TestSplitWords_UnterminatedQuoteErrors(t *testing.T) {
	if _, err := SplitWords(`echo "hi`); err == nil {
		t.Fatal("expected error for unterminated double quote")
	}
	if _, err := SplitWords(`echo 'hi`); err == nil {
		t.Fatal("expected error for unterminated single quote")
	}
}

func TestDowngradeInteractiveFlags(t *testing.T) {
	got := DowngradeInteractiveFlags([]string{"bash", "-ic", "echo hi"})
	want := []string{"bash", "-c", "echo hi"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	got2 := DowngradeInteractiveFlags([]string{"bash", "-ilc", "echo hi"})
	if got2[1] != "-lc" {
		t.Fatalf("got %v", got2)
	}
	// Unrelated flags pass through untouched.
	got3 := DowngradeInteractiveFlags([]string{"bash", "-x"})
	if got3[1] != "-x" {
		t.Fatalf("expected -x untouched, got %v", got3)
	}
}

func TestNormalize_ArgvPassthroughWhenAlreadyShellForm(t *testing.T) {
	argv, err := Normalize(ModeArgv, []string{"bash", "-c", "echo hi"}, "", false, nil, nil, true, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(argv) != 3 || argv[2] != "echo hi" {
		t.Fatalf("expected passthrough, got %v", argv)
	}
}

func TestNormalize_ArgvSingleElementTreatedAsSnippet(t *testing.T) {
	argv, err := Normalize(ModeArgv, []string{"echo hi"}, "", false, nil, nil, true, false)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"bash", "--noprofile", "--norc", "-c", "echo hi"}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("got %v want %v", argv, want)
		}
	}
}

func TestNormalize_ArgvGeneralQuotesTokens(t *testing.T) {
	argv, err := Normalize(ModeArgv, []string{"echo", "hello world"}, "", false, nil, nil, true, false)
	if err != nil {
		t.Fatal(err)
	}
	script := argv[len(argv)-1]
	if !strings.Contains(script, "'echo' 'hello world'") {
		t.Fatalf("expected quoted token, got %q", script)
	}
}

func TestNormalize_ArgvRejectsAmbiguousOperator(t *testing.T) {
	_, err := Normalize(ModeArgv, []string{"echo", "hi", "&&", "ls"}, "", false, nil, nil, true, false)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestNormalize_ShellSnippetJoinsWithSpaces(t *testing.T) {
	argv, err := Normalize(ModeShellSnippet, []string{"echo", "hi"}, "", false, nil, nil, true, false)
	if err != nil {
		t.Fatal(err)
	}
	script := argv[len(argv)-1]
	if script != "echo hi" {
		t.Fatalf("got %q", script)
	}
}

func TestNormalize_Interactive_Default(t *testing.T) {
	argv, err := Normalize(ModeInteractive, nil, "", false, nil, nil, true, false)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"bash", "--noprofile", "--norc", "-i"}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("got %v want %v", argv, want)
		}
	}
}

func TestLocalExpansionRepair_RewritesPreExpandedDollarVar(t *testing.T) {
	argv := []string{"echo", "http://x:1"}
	local := map[string]string{"HTTPS_PROXY": "http://x:1"}
	remote := map[string]string{"HTTPS_PROXY": "http://p:8080"}
	out := LocalExpansionRepair(argv, local, remote)
	if out[1] != "$HTTPS_PROXY" {
		t.Fatalf("expected rewritten to $HTTPS_PROXY, got %v", out)
	}
}

func TestLocalExpansionRepair_InlineAssignmentTakesRHS(t *testing.T) {
	argv := []string{"FOO=bar", "echo", "bar"}
	out := LocalExpansionRepair(argv, nil, map[string]string{"FOO": "bar"})
	if out[0] != "FOO=bar" || out[2] != "bar" {
		t.Fatalf("got %v", out)
	}
}

func TestPrelude_SkipsColorAliasesWhenNoColorSet(t *testing.T) {
	p := Prelude(false, true, true)
	if strings.Contains(p, "expand_aliases") {
		t.Fatalf("expected no color aliases when NO_COLOR set, got %q", p)
	}
}

func TestPrelude_IncludesBashrcSourcing(t *testing.T) {
	p := Prelude(true, true, false)
	if !strings.Contains(p, ".bashrc") {
		t.Fatalf("expected bashrc sourcing, got %q", p)
	}
}
