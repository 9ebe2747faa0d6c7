package debugger

import (
	"github.com/mindbg/mindbg/service/remote"
)

// ServeRemote opens the session to remote debugger clients on addr.
func (d *Debugger) ServeRemote(addr string) error {
	srv := remote.NewServer(d)
	if err := srv.Listen(addr); err != nil {
		return err
	}
	d.server = srv
	d.Printf("Remote clients may connect at %s.\n", srv.Addr())
	return nil
}

// ConsoleSince returns the console bytes from offset to the current
// end. Part of the remote.Console contract.
func (d *Debugger) ConsoleSince(offset int) ([]byte, int) {
	d.outputMu.Lock()
	defer d.outputMu.Unlock()
	if offset > len(d.console) {
		offset = len(d.console)
	}
	if offset < 0 {
		offset = 0
	}
	delta := append([]byte(nil), d.console[offset:]...)
	return delta, len(d.console)
}

// Prompt returns the published prompt.
func (d *Debugger) Prompt() string {
	d.outputMu.Lock()
	defer d.outputMu.Unlock()
	return d.prompt
}

// SourceState reports the file and line the source view points at.
func (d *Debugger) SourceState() (string, uint64, bool) {
	d.outputMu.Lock()
	defer d.outputMu.Unlock()
	return d.view.Path, uint64(d.view.Line), d.view.Contents != nil
}

// SourceContents returns the loaded source file for remote clients
// that cannot find it on their own disk.
func (d *Debugger) SourceContents() (string, []byte, bool) {
	d.outputMu.Lock()
	defer d.outputMu.Unlock()
	if d.view.Contents == nil {
		return "", nil, false
	}
	return d.view.Path, d.view.Contents, true
}

// QueueInput enqueues a remote command for the command loop.
func (d *Debugger) QueueInput(command, user, host string) {
	d.inputMu.Lock()
	d.inputQueue = append(d.inputQueue, RemoteInput{command, user, host})
	d.inputMu.Unlock()
}

// RequestBreakIn asks the target to stop.
func (d *Debugger) RequestBreakIn() {
	if err := d.controller.RequestBreakIn(); err != nil {
		d.log.Errorf("break in request: %v", err)
	}
}

// PendingInput reports whether remote commands are waiting.
func (d *Debugger) PendingInput() bool {
	d.inputMu.Lock()
	defer d.inputMu.Unlock()
	return len(d.inputQueue) > 0
}

// DrainInput echoes and executes every queued remote command. Each
// line is attributed to the user who sent it.
func (d *Debugger) DrainInput(exec func(line string)) {
	for {
		d.inputMu.Lock()
		if len(d.inputQueue) == 0 {
			d.inputMu.Unlock()
			return
		}
		in := d.inputQueue[0]
		d.inputQueue = d.inputQueue[1:]
		d.inputMu.Unlock()
		d.Printf("%s\t\t[%s@%s]\n", in.Line, in.User, in.Host)
		exec(in.Line)
	}
}
