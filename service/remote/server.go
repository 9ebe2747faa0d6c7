package remote

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mindbg/mindbg/pkg/logflags"
)

// receiverRetries is how many consecutive bad frames a client may
// send before the server abandons the connection.
const receiverRetries = 10

// Console is the server's window into the debugger it fans out.
// Implementations serialize the snapshot methods and Printf with
// their output lock, so a sender goroutine always sees a consistent
// console buffer, prompt, and source position.
type Console interface {
	// ConsoleSince returns the console bytes from offset to the
	// current end, plus the new end offset.
	ConsoleSince(offset int) (data []byte, end int)

	// Prompt returns the current command prompt. An empty prompt
	// means command input is disabled.
	Prompt() string

	// SourceState returns the source file and line the console
	// points at. A zero line means no highlight.
	SourceState() (path string, line uint64, available bool)

	// SourceContents returns the currently loaded source file.
	SourceContents() (path string, contents []byte, ok bool)

	// QueueInput hands a remote command to the debugger's input
	// queue, tagged with the sender for attribution.
	QueueInput(command, user, host string)

	// RequestBreakIn asks the debugger to break into the target.
	RequestBreakIn()

	// Printf writes to the console buffer.
	Printf(format string, args ...interface{})
}

// Server accepts remote debugger clients and keeps them fed with
// console output, prompt changes, and source positions.
type Server struct {
	console Console
	log     *logrus.Entry

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	clients  []*serverClient
	shutdown bool
	wg       sync.WaitGroup
}

type serverClient struct {
	conn net.Conn
	user string
	host string

	// writeMu keeps sender frames and source-data replies from
	// interleaving on the socket.
	writeMu sync.Mutex

	// wake has capacity one; a send that would block is dropped
	// because the sender will pick the new state up on its current
	// pass anyway.
	wake chan struct{}
	done chan struct{}

	sentIndex   int
	sentPrompt  string
	promptSent  bool
	sourcePath  string
	sourceLine  uint64
	sourceFresh bool
}

func (c *serverClient) send(cmd Command, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.conn, cmd, payload)
}

// NewServer returns a server fanning out the given console.
func NewServer(console Console) *Server {
	return &Server{
		console: console,
		log:     logflags.DebuggerLogger(),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen starts accepting clients on the given TCP address.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		ln.Close()
		return errors.New("server is shut down")
	}
	s.ln = ln
	s.mu.Unlock()
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the listener address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			down := s.shutdown
			s.mu.Unlock()
			if !down {
				s.log.Errorf("remote accept: %v", err)
			}
			return
		}
		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn runs the handshake and then splits into the sender and
// receiver for one client.
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
	si := ServerInformation{ProtocolVersion: ProtocolVersion}
	if err := WriteFrame(conn, CommandServerInformation, si.Encode()); err != nil {
		s.console.Printf("Failed to send server information to client.\n")
		return
	}
	frame, err := ReadFrame(conn)
	if err != nil {
		s.console.Printf("Failed to receive client information.\n")
		return
	}
	if frame.Command != CommandClientInformation {
		s.console.Printf("Received something other than remote client information.\n")
		return
	}
	ci, err := ParseClientInformation(frame.Payload)
	if err != nil {
		s.console.Printf("Failed to receive client information.\n")
		return
	}
	c := &serverClient{
		conn: conn,
		user: ci.User,
		host: ci.Host,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	s.console.Printf("\nUser %s on %s connected at %s.\n",
		c.user, c.host, conn.RemoteAddr())

	// Make sure the attribution tag is something readable.
	if c.user == "" {
		if c.host != "" {
			c.user = c.host
		} else {
			c.user = conn.RemoteAddr().String()
		}
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.clients = append(s.clients, c)
	s.mu.Unlock()
	s.wg.Add(1)
	go s.receiveLoop(c)
	s.sendLoop(c)

	<-c.done
	s.console.Printf("\nDisconnected from %s.\n", conn.RemoteAddr())
	s.removeClient(c)
}

// NotifyClients wakes every client's sender. The debugger calls it
// while holding the output lock after changing the console buffer,
// prompt, or source position.
func (s *Server) NotifyClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// sendLoop pushes console state to one client until the connection
// fails or the server shuts down.
func (s *Server) sendLoop(c *serverClient) {
	for {
		if err := s.sendUpdates(c); err != nil {
			c.conn.Close()
			return
		}
		select {
		case <-c.wake:
		case <-c.done:
			return
		}
	}
}

// sendUpdates flushes everything that changed since the last pass.
// Snapshots are taken through the console's lock, but frames go out
// without holding it.
func (s *Server) sendUpdates(c *serverClient) error {
	for {
		data, end := s.console.ConsoleSince(c.sentIndex)
		if len(data) > 0 {
			c.sentIndex = end
			if err := c.send(CommandOutput, data); err != nil {
				return err
			}
			continue
		}
		c.sentIndex = end
		prompt := s.console.Prompt()
		if !c.promptSent || prompt != c.sentPrompt {
			c.promptSent = true
			c.sentPrompt = prompt
			if err := c.send(CommandPrompt, []byte(prompt)); err != nil {
				return err
			}
			continue
		}
		path, line, available := s.console.SourceState()
		if !c.sourceFresh || path != c.sourcePath || line != c.sourceLine {
			c.sourceFresh = true
			c.sourcePath = path
			c.sourceLine = line
			info := SourceInformation{
				LineNumber:      line,
				SourceAvailable: available,
				FileName:        path,
			}
			if err := c.send(CommandSourceInformation, info.Encode()); err != nil {
				return err
			}
			continue
		}
		return nil
	}
}

// receiveLoop handles frames arriving from one client. A run of bad
// frames abandons the connection; any good frame resets the count.
func (s *Server) receiveLoop(c *serverClient) {
	defer s.wg.Done()
	defer close(c.done)
	retries := receiverRetries
	for {
		frame, err := ReadFrame(c.conn)
		if err != nil {
			if err == io.EOF || isClosedConn(err) {
				return
			}
			retries--
			if retries == 0 {
				s.log.Errorf("abandoning remote client %s: %v", c.conn.RemoteAddr(), err)
				return
			}
			continue
		}
		retries = receiverRetries
		switch frame.Command {
		case CommandInput:
			s.console.QueueInput(string(frame.Payload), c.user, c.host)

		case CommandBreakRequest:
			s.console.Printf("Requesting break in...\t\t[%s@%s]\n", c.user, c.host)
			s.console.RequestBreakIn()

		case CommandSourceDataRequest:
			path, contents, ok := s.console.SourceContents()
			if !ok {
				break
			}
			data := SourceData{
				FileNameCrc32: FileNameCrc(path),
				Contents:      contents,
			}
			if err := c.send(CommandSourceData, data.Encode()); err != nil {
				return
			}

		default:
			s.log.Warnf("ignoring remote frame %v from %s", frame.Command, c.conn.RemoteAddr())
		}
	}
}

func (s *Server) removeClient(c *serverClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.clients {
		if other == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			break
		}
	}
}

// Shutdown stops the listener and disconnects every client, then
// waits for their goroutines to drain.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	if s.ln != nil {
		s.ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
