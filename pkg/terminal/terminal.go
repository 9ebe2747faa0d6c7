// Package terminal owns the local console: the prompt, command
// history, and source listing with the executing line highlighted.
package terminal

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-delve/liner"

	"github.com/mindbg/mindbg/pkg/config"
	"github.com/mindbg/mindbg/pkg/source"
)

const (
	historyFile                 string = ".mindbg_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiBlack   = 30
	ansiWhite   = 37
	ansiBrBlack = 90
	ansiBrWhite = 97
	ansiBlue    = 34
)

// sourceContext is how many lines show above and below the executing
// line.
const sourceContext = 5

// Term is the local console.
type Term struct {
	conf   *config.Config
	prompt string
	line   *liner.State
	dumb   bool
	stdout io.Writer
}

// New sets up the console. The prompt history loads from the config
// directory; a dumb terminal drops color output.
func New(conf *config.Config) *Term {
	if conf == nil {
		conf = &config.Config{}
	}

	var w io.Writer
	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	if dumb {
		w = os.Stdout
	} else {
		w = getColorableWriter()
	}

	if (conf.SourceListLineColor > ansiWhite &&
		conf.SourceListLineColor < ansiBrBlack) ||
		conf.SourceListLineColor < ansiBlack ||
		conf.SourceListLineColor > ansiBrWhite {
		conf.SourceListLineColor = ansiBlue
	}

	t := &Term{
		conf:   conf,
		prompt: "(mindbg) ",
		line:   liner.NewLiner(),
		dumb:   dumb,
		stdout: w,
	}
	t.line.SetCtrlCAborts(true)
	t.loadHistory()
	return t
}

// NewDumb returns a write-only console for contexts with no
// interactive input: there is no line editor and no color.
func NewDumb(w io.Writer) *Term {
	return &Term{
		conf:   &config.Config{SourceListLineColor: ansiBlue},
		prompt: "(mindbg) ",
		dumb:   true,
		stdout: w,
	}
}

// Close restores the terminal mode and saves history.
func (t *Term) Close() {
	if t.line == nil {
		return
	}
	t.saveHistory()
	t.line.Close()
}

// Stdout returns the writer console output should go to.
func (t *Term) Stdout() io.Writer { return t.stdout }

// Prompt returns the current prompt text.
func (t *Term) Prompt() string { return t.prompt }

// SetPrompt changes the prompt text. An empty prompt means the peer
// owns the command line for now.
func (t *Term) SetPrompt(prompt string) { t.prompt = prompt }

// SetCompleter installs a tab completion callback.
func (t *Term) SetCompleter(f func(line string) []string) {
	if t.line == nil {
		return
	}
	t.line.SetCompleter(f)
}

// ReadLine prompts for one command line. liner.ErrPromptAborted comes
// back on Ctrl-C; io.EOF on Ctrl-D.
func (t *Term) ReadLine() (string, error) {
	if t.line == nil {
		return "", io.EOF
	}
	s, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}
	s = strings.TrimSpace(s)
	if s != "" {
		t.line.AppendHistory(s)
	}
	return s, nil
}

func (t *Term) loadHistory() {
	path, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		return
	}
	t.line.ReadHistory(f)
	f.Close()
}

func (t *Term) saveHistory() {
	path, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		return
	}
	f, err := os.Create(path)
	if err != nil {
		fmt.Printf("Unable to save history: %v.", err)
		return
	}
	t.line.WriteHistory(f)
	f.Close()
}

// PrintSource lists the view's file around the highlighted line,
// marking the executing line with => and the configured color.
func (t *Term) PrintSource(v *source.View) {
	if v.Contents == nil || v.Line == 0 {
		return
	}
	lines := strings.Split(string(v.Contents), "\n")
	first := v.Line - sourceContext
	if first < 1 {
		first = 1
	}
	last := v.Line + sourceContext
	if last > len(lines) {
		last = len(lines)
	}
	for n := first; n <= last; n++ {
		text := strings.TrimRight(lines[n-1], "\r")
		if n == v.Line && !t.dumb {
			fmt.Fprintf(t.stdout, terminalHighlightEscapeCode, t.conf.SourceListLineColor)
			fmt.Fprintf(t.stdout, "=> %4d: %s%s\n", n, text, terminalResetEscapeCode)
		} else if n == v.Line {
			fmt.Fprintf(t.stdout, "=> %4d: %s\n", n, text)
		} else {
			fmt.Fprintf(t.stdout, "   %4d: %s\n", n, text)
		}
	}
}
