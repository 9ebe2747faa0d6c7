package debugger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mindbg/mindbg/pkg/proc"
	"github.com/mindbg/mindbg/pkg/source"
	"github.com/mindbg/mindbg/pkg/terminal"
	"github.com/mindbg/mindbg/service/remote"
)

// handshakeHandler records what a remote client receives.
type handshakeHandler struct {
	mu      sync.Mutex
	output  bytes.Buffer
	prompts []string
	updates chan struct{}
}

func (h *handshakeHandler) bump() {
	select {
	case h.updates <- struct{}{}:
	default:
	}
}

func (h *handshakeHandler) RemoteOutput(data []byte) {
	h.mu.Lock()
	h.output.Write(data)
	h.mu.Unlock()
	h.bump()
}

func (h *handshakeHandler) RemotePrompt(prompt string) {
	h.mu.Lock()
	h.prompts = append(h.prompts, prompt)
	h.mu.Unlock()
	h.bump()
}

func (h *handshakeHandler) RemoteSource(info *remote.SourceInformation) { h.bump() }
func (h *handshakeHandler) RemoteSourceData(data *remote.SourceData)    { h.bump() }
func (h *handshakeHandler) RemoteClosed(err error)                      {}

func (h *handshakeHandler) wait(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		h.mu.Lock()
		ok := cond()
		h.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-h.updates:
		case <-deadline:
			t.Fatal("condition never held")
		}
	}
}

// The debugger context doubles as the remote server's console; a
// client attaching through the fabric replays the whole session
// buffer and then follows new output.
func TestRemoteClientFollowsConsole(t *testing.T) {
	d, _, _ := newTestDebugger(t)
	d.SetPrompt("(mindbg) ")
	d.Printf("Connected to Minoca on x86.\n")
	if err := d.ServeRemote("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer d.Shutdown()

	h := &handshakeHandler{updates: make(chan struct{}, 64)}
	client, err := remote.Dial(d.server.Addr().String(), "alice", "buildbox", h,
		func(string, ...interface{}) {})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	h.wait(t, func() bool {
		return strings.Contains(h.output.String(), "Connected to Minoca on x86.")
	})
	h.wait(t, func() bool {
		for _, p := range h.prompts {
			if p == "(mindbg) " {
				return true
			}
		}
		return false
	})

	d.Printf("Breakpoint 0 hit!\n")
	h.wait(t, func() bool {
		return strings.Contains(h.output.String(), "Breakpoint 0 hit!")
	})

	if err := client.SendCommand("k"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !d.PendingInput() {
		if time.Now().After(deadline) {
			t.Fatal("remote command never queued")
		}
		time.Sleep(time.Millisecond)
	}
	var got []string
	d.DrainInput(func(line string) { got = append(got, line) })
	if len(got) != 1 || got[0] != "k" {
		t.Fatalf("drained %v", got)
	}
}

func newTestSession(t *testing.T) (*RemoteSession, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	s := &RemoteSession{
		term: terminal.NewDumb(&buf),
		view: source.NewView(),
		done: make(chan struct{}),
	}
	return s, &buf
}

func TestSessionPromptGatesInput(t *testing.T) {
	s, _ := newTestSession(t)
	s.RemotePrompt("(mindbg) ")
	if !s.enabled {
		t.Error("input disabled with a live prompt")
	}
	if s.term.Prompt() != "(mindbg) " {
		t.Errorf("prompt = %q", s.term.Prompt())
	}
	s.RemotePrompt("")
	if s.enabled {
		t.Error("input enabled with a cleared prompt")
	}
}

func TestSessionShowsLocalSource(t *testing.T) {
	s, buf := newTestSession(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "main.c")
	var contents bytes.Buffer
	for i := 1; i <= 20; i++ {
		fmt.Fprintf(&contents, "line %d\n", i)
	}
	if err := os.WriteFile(path, contents.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	s.RemoteSource(&remote.SourceInformation{
		LineNumber:      4,
		SourceAvailable: true,
		FileName:        path,
	})
	if !strings.Contains(buf.String(), "=>    4: line 4") {
		t.Errorf("source listing = %q", buf.String())
	}
}

func TestSessionInstallsSuppliedSource(t *testing.T) {
	s, buf := newTestSession(t)
	// The announced file does not exist locally; without a client the
	// session must not ask for it, only record the position.
	s.RemoteSource(&remote.SourceInformation{
		LineNumber:      2,
		SourceAvailable: false,
		FileName:        "z:/minoca/kernel/ke/main.c",
	})
	if buf.Len() != 0 {
		t.Fatalf("unexpected output %q", buf.String())
	}
	s.pendingLine = 2

	s.RemoteSourceData(&remote.SourceData{
		FileNameCrc32: remote.FileNameCrc("z:/minoca/kernel/ke/main.c"),
		Contents:      []byte("int a;\nint b;\nint c;\n"),
	})
	if !strings.Contains(buf.String(), "=>    2: int b;") {
		t.Errorf("source listing = %q", buf.String())
	}
}

func TestSessionRejectsMismatchedSourceData(t *testing.T) {
	s, buf := newTestSession(t)
	s.RemoteSource(&remote.SourceInformation{
		LineNumber:      1,
		SourceAvailable: false,
		FileName:        "z:/one.c",
	})
	s.RemoteSourceData(&remote.SourceData{
		FileNameCrc32: remote.FileNameCrc("z:/other.c"),
		Contents:      []byte("nope\n"),
	})
	if buf.Len() != 0 {
		t.Errorf("mismatched contents were installed: %q", buf.String())
	}
	if s.view.Contents != nil {
		t.Error("view holds contents for the wrong file")
	}
}

func TestSessionEndsWhenServerCloses(t *testing.T) {
	d, _, _ := newTestDebugger(t)
	d.SetPrompt("(mindbg) ")
	if err := d.ServeRemote("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	s, err := ConnectRemote(d.server.Addr().String(), false, nil,
		terminal.NewDumb(&buf), "alice", "buildbox")
	if err != nil {
		t.Fatal(err)
	}
	// Stand in for a user sitting at the prompt typing nothing.
	blocked := make(chan struct{})
	t.Cleanup(func() { close(blocked) })
	s.readLine = func() (string, error) {
		<-blocked
		return "", io.EOF
	}

	ret := make(chan error, 1)
	go func() { ret <- s.Run() }()

	d.Shutdown()
	select {
	case err := <-ret:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session kept running after the server closed")
	}
	if !strings.Contains(buf.String(), "Server closed the connection.") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestSessionClearsHighlight(t *testing.T) {
	s, _ := newTestSession(t)
	s.view.Path = "z:/one.c"
	s.view.Line = 9
	s.RemoteSource(&remote.SourceInformation{LineNumber: 0})
	if s.view.Line != 0 {
		t.Errorf("line = %d after clear", s.view.Line)
	}
}

var _ proc.TargetLink = (*stubLink)(nil)
