package debugger

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/go-delve/liner"
	"github.com/sirupsen/logrus"
	sys "golang.org/x/sys/unix"

	"github.com/mindbg/mindbg/pkg/logflags"
	"github.com/mindbg/mindbg/pkg/source"
	"github.com/mindbg/mindbg/pkg/terminal"
	"github.com/mindbg/mindbg/service/remote"
)

// RemoteSession drives the local console against a debug server
// running elsewhere. Commands travel to the server; output, prompt,
// and source positions travel back.
type RemoteSession struct {
	term   *terminal.Term
	client *remote.Client
	log    *logrus.Entry

	// mu guards the view and prompt state against the client's
	// network goroutine.
	mu          sync.Mutex
	view        *source.View
	enabled     bool
	pendingLine uint64

	done      chan struct{}
	closeOnce sync.Once

	// readLine overrides the terminal prompt read when set.
	readLine func() (string, error)
}

// ConnectRemote joins a debug server at addr. With reverse set the
// session waits for the server to connect out instead.
func ConnectRemote(addr string, reverse bool, sourcePath []source.Rule, term *terminal.Term, user, host string) (*RemoteSession, error) {
	s := &RemoteSession{
		term: term,
		log:  logflags.DebuggerLogger(),
		view: source.NewView(),
		done: make(chan struct{}),
	}
	s.view.SetRules(sourcePath)
	printf := func(format string, args ...interface{}) {
		fmt.Fprintf(term.Stdout(), format, args...)
	}
	s.view.Printf = printf
	var (
		client *remote.Client
		err    error
	)
	if reverse {
		client, err = remote.ListenReverse(addr, user, host, s, printf)
	} else {
		client, err = remote.Dial(addr, user, host, s, printf)
	}
	if err != nil {
		return nil, err
	}
	s.client = client
	return s, nil
}

// Run is the session's command loop. It returns when the user quits
// or the connection dies.
func (s *RemoteSession) Run() error {
	defer s.client.Close()

	// Ask the server for a break on SIGINT
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sys.SIGINT)
	defer func() {
		signal.Stop(ch)
		close(ch)
	}()
	go func() {
		for range ch {
			if err := s.client.RequestBreakIn(); err != nil {
				s.log.Errorf("break request: %v", err)
			}
		}
	}()

	readLine := s.readLine
	if readLine == nil {
		readLine = s.term.ReadLine
	}

	// The prompt read blocks, so it runs on its own goroutine and the
	// loop below still notices the server going away mid-prompt.
	type lineResult struct {
		line string
		err  error
	}
	lines := make(chan lineResult)
	go func() {
		for {
			line, err := readLine()
			select {
			case lines <- lineResult{line, err}:
			case <-s.done:
				return
			}
			if err == io.EOF {
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-s.done:
			return nil
		case r := <-lines:
			switch {
			case r.err == liner.ErrPromptAborted:
				if err := s.client.RequestBreakIn(); err != nil {
					return err
				}
				continue
			case r.err == io.EOF:
				return nil
			case r.err != nil:
				return r.err
			}
			line = r.line
		}
		if line == "" {
			continue
		}
		if remote.IsLocalOnly(line) {
			if s.runLocal(line) {
				return nil
			}
			continue
		}
		s.mu.Lock()
		enabled := s.enabled
		s.mu.Unlock()
		if !enabled {
			fmt.Fprintf(s.term.Stdout(), "Another user is running the target.\n")
			continue
		}
		if err := s.client.SendCommand(line); err != nil {
			return err
		}
	}
}

// runLocal executes a command that never leaves this instance. It
// returns true when the session should end.
func (s *RemoteSession) runLocal(line string) bool {
	args, err := SplitCommand(line)
	if err != nil || len(args) == 0 {
		fmt.Fprintf(s.term.Stdout(), "Error: %v\n", err)
		return false
	}
	cmd := strings.ToLower(args[0])
	switch cmd {
	case "q", "quit":
		return true
	case "srcpath", "srcpath+":
		if len(args) != 2 {
			fmt.Fprintf(s.term.Stdout(), "Usage: %s <prefix=path>|clear\n", cmd)
			return false
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if args[1] == "clear" {
			s.view.SetRules(nil)
			return false
		}
		rule, err := source.ParseRule(args[1])
		if err != nil {
			fmt.Fprintf(s.term.Stdout(), "Error: %v\n", err)
			return false
		}
		if cmd == "srcpath" {
			s.view.SetRules([]source.Rule{rule})
		} else {
			s.view.AddRule(rule)
		}
	}
	return false
}

// RemoteOutput prints server console bytes locally.
func (s *RemoteSession) RemoteOutput(data []byte) {
	s.term.Stdout().Write(data)
}

// RemotePrompt installs the server's prompt. An empty prompt means
// another client owns the command line.
func (s *RemoteSession) RemotePrompt(prompt string) {
	s.mu.Lock()
	s.enabled = prompt != ""
	s.mu.Unlock()
	s.term.SetPrompt(prompt)
}

// RemoteSource mirrors the server's source position. When the file is
// not on local disk but the server has it, the session asks for the
// contents.
func (s *RemoteSession) RemoteSource(info *remote.SourceInformation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info.LineNumber == 0 {
		s.view.Clear()
		return
	}
	if s.view.Show(info.FileName, int(info.LineNumber)) {
		s.term.PrintSource(s.view)
		return
	}
	if info.SourceAvailable {
		s.pendingLine = info.LineNumber
		if err := s.client.RequestSourceData(); err != nil {
			s.log.Errorf("source data request: %v", err)
		}
	}
}

// RemoteSourceData installs file contents the server supplied,
// provided they match the file the view points at.
func (s *RemoteSession) RemoteSourceData(data *remote.SourceData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view.Path == "" || data.FileNameCrc32 != remote.FileNameCrc(s.view.Path) {
		return
	}
	s.view.SupplyContents(data.Contents)
	s.view.Line = int(s.pendingLine)
	s.term.PrintSource(s.view)
}

// RemoteClosed ends the session when the server goes away.
func (s *RemoteSession) RemoteClosed(err error) {
	if err != nil {
		fmt.Fprintf(s.term.Stdout(), "\nConnection lost: %v\n", err)
	} else {
		fmt.Fprintf(s.term.Stdout(), "\nServer closed the connection.\n")
	}
	s.closeOnce.Do(func() { close(s.done) })
}
