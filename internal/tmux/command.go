package tmux

import (
	"fmt"
	"strings"
)

// shellQuote wraps s in single quotes, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// attachCommand attaches to the named session or creates it when absent.
// -A makes new-session behave like attach-session if the name exists.
func attachCommand(name string) string {
	return "exec tmux -u new-session -A -s " + shellQuote(name)
}

const listCommand = "tmux list-sessions -F '#{session_name}' 2>/dev/null"

// destroyCommand kills every session whose name matches pattern and then
// prints sentinel, all within one remote shell invocation. Targets use the
// "=" prefix so tmux matches names exactly instead of by prefix.
func destroyCommand(pattern, sentinel string) string {
	return fmt.Sprintf(
		`%s | grep -E %s | while IFS= read -r name; do tmux kill-session -t "=$name" 2>/dev/null; done; echo %s`,
		listCommand, shellQuote(pattern), shellQuote(sentinel),
	)
}
