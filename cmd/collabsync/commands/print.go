package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

func init() {
	// Users can disable with NO_COLOR
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

func success(w io.Writer, format string, a ...any) {
	green.Fprintf(w, "✓ "+format+"\n", a...)
}

func warning(w io.Writer, format string, a ...any) {
	yellow.Fprintf(w, "⚠️  "+format+"\n", a...)
}

// failure prints a titled error with an optional hint to stderr and returns
// a short error for cobra, which has SilenceErrors set.
func failure(title string, err error, hint string) error {
	red.Fprintf(os.Stderr, "%s\n\n", title)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
	if hint != "" {
		fmt.Fprintf(os.Stderr, "\n%s\n", hint)
	}
	return reported{title}
}

// reported marks errors already printed by failure.
type reported struct{ title string }

func (r reported) Error() string { return r.title }
