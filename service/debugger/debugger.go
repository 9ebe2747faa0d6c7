// Package debugger owns one debug session: the target link, the
// execution controller, the module registry, breakpoints, the source
// view, the rolling console buffer, and the remote session fabric.
// Every component takes the whole Debugger and navigates; there is no
// process-wide state.
package debugger

import (
	"fmt"
	"io"
	"sync"

	"github.com/cosiner/argv"
	"github.com/sirupsen/logrus"

	"github.com/mindbg/mindbg/pkg/logflags"
	"github.com/mindbg/mindbg/pkg/proc"
	"github.com/mindbg/mindbg/pkg/source"
	"github.com/mindbg/mindbg/pkg/terminal"
	"github.com/mindbg/mindbg/service/remote"
)

// Config carries the session options from the command line.
type Config struct {
	// KernelConnection debugs a kernel rather than a user process.
	// Signals are never forwarded on kernel connections.
	KernelConnection bool

	// InitialBreak asks the target to stop as soon as it connects.
	InitialBreak bool

	// SymbolPath is the ordered list of directories searched for
	// symbol files.
	SymbolPath []string

	// SourcePath holds path substitution rules for source display.
	SourcePath []source.Rule
}

// RemoteInput is one command line queued by a remote client.
type RemoteInput struct {
	Line string
	User string
	Host string
}

// Debugger is the session context.
type Debugger struct {
	config     Config
	link       proc.TargetLink
	machine    proc.Machine
	connection proc.ConnectionKind

	controller  *proc.Controller
	registry    *proc.Registry
	breakpoints *proc.BreakpointSet
	term        *terminal.Term
	log         *logrus.Entry

	// outputMu guards the console buffer, the prompt, and the source
	// view. Remote sender goroutines snapshot all three through the
	// remote.Console methods under this lock.
	outputMu sync.Mutex
	console  []byte
	prompt   string
	view     *source.View

	// inputMu guards the queue of commands remote clients submit.
	inputMu    sync.Mutex
	inputQueue []RemoteInput

	server *remote.Server
}

// New builds a session around a connected transport. The terminal may
// be nil when no local console exists.
func New(conf Config, link proc.TargetLink, machine proc.Machine, term *terminal.Term) *Debugger {
	d := &Debugger{
		config:  conf,
		link:    link,
		machine: machine,
		term:    term,
		log:     logflags.DebuggerLogger(),
		view:    source.NewView(),
	}
	d.view.SetRules(conf.SourcePath)
	d.view.Printf = d.Printf
	d.registry = proc.NewRegistry(machine, d)
	d.registry.SymbolPath = conf.SymbolPath
	d.breakpoints = proc.NewBreakpointSet(machine, link, d)
	d.controller = proc.NewController(machine, link, d.registry, d.breakpoints, conf.KernelConnection, d)
	d.controller.ShowSource = d.showSourceAt
	return d
}

// Controller exposes the execution controller.
func (d *Debugger) Controller() *proc.Controller { return d.controller }

// Registry exposes the module registry.
func (d *Debugger) Registry() *proc.Registry { return d.registry }

// Breakpoints exposes the breakpoint set.
func (d *Debugger) Breakpoints() *proc.BreakpointSet { return d.breakpoints }

// View exposes the source view. Callers outside the command thread
// must hold the output lock.
func (d *Debugger) View() *source.View { return d.view }

// Connect performs the transport handshake and prints the target
// banner.
func (d *Debugger) Connect() error {
	resp, err := d.link.Connect(d.config.InitialBreak)
	if err != nil {
		return err
	}
	d.connection = resp.Kind
	if resp.Machine != proc.MachineInvalid {
		d.machine = resp.Machine
	}
	d.Printf("Connected to %s on %s.\n", resp.SystemName, d.machine)
	if resp.SystemVersion != "" {
		d.Printf("System version %s, protocol %d.%d.\n",
			resp.SystemVersion, resp.ProtocolMajor, resp.ProtocolMinor)
	}
	return nil
}

// ConnectionKind reports what flavor of target the session reached.
func (d *Debugger) ConnectionKind() proc.ConnectionKind { return d.connection }

// Printf writes to the local console and appends to the rolling
// buffer remote clients replay.
func (d *Debugger) Printf(format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	d.outputMu.Lock()
	d.console = append(d.console, text...)
	d.outputMu.Unlock()
	if d.term != nil {
		io.WriteString(d.term.Stdout(), text)
	}
	d.notify()
}

// SetPrompt publishes a new prompt. An empty prompt tells clients
// command input is disabled.
func (d *Debugger) SetPrompt(prompt string) {
	d.outputMu.Lock()
	d.prompt = prompt
	d.outputMu.Unlock()
	if d.term != nil {
		d.term.SetPrompt(prompt)
	}
	d.notify()
}

func (d *Debugger) notify() {
	if d.server != nil {
		d.server.NotifyClients()
	}
}

// showSourceAt highlights the source line covering pc, if any. Wired
// as the controller's break-location hook.
func (d *Debugger) showSourceAt(pc uint64) {
	m, debased, ok := d.registry.FindByAddress(pc)
	if !ok || m.Symbols == nil {
		d.clearSourceHighlight()
		return
	}
	file, line, err := m.Symbols.LookupSourceLine(debased)
	if err != nil {
		d.clearSourceHighlight()
		return
	}
	d.outputMu.Lock()
	shown := d.view.Show(file.Path(), line.Line)
	d.outputMu.Unlock()
	if shown && d.term != nil {
		d.term.PrintSource(d.view)
	}
	d.notify()
}

func (d *Debugger) clearSourceHighlight() {
	d.outputMu.Lock()
	d.view.Clear()
	d.outputMu.Unlock()
	d.notify()
}

// AddSourcePath installs a srcpath rule; a lone "clear" argument
// drops them all.
func (d *Debugger) AddSourcePath(arg string, replace bool) error {
	d.outputMu.Lock()
	defer d.outputMu.Unlock()
	if arg == "clear" {
		d.view.SetRules(nil)
		return nil
	}
	rule, err := source.ParseRule(arg)
	if err != nil {
		return err
	}
	if replace {
		d.view.SetRules([]source.Rule{rule})
	} else {
		d.view.AddRule(rule)
	}
	return nil
}

// SplitCommand breaks a command line into arguments, honoring quotes.
func SplitCommand(line string) ([]string, error) {
	v, err := argv.Argv(line,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) == 0 {
		return nil, nil
	}
	return v[0], nil
}

// WaitForBreak blocks consuming target events until the target stops
// running.
func (d *Debugger) WaitForBreak() error {
	for d.controller.Running() {
		running, err := d.controller.WaitForEvent()
		if err != nil {
			return err
		}
		if !running {
			break
		}
	}
	return nil
}

// Shutdown tears the fabric down.
func (d *Debugger) Shutdown() {
	if d.server != nil {
		d.server.Shutdown()
		d.server = nil
	}
}
