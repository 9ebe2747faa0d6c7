package remote

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mindbg/mindbg/pkg/logflags"
)

// Handler receives state pushed by a remote debug server. The client
// invokes it from its network goroutine; the implementation applies
// each change under its own output lock.
type Handler interface {
	// RemoteOutput carries console bytes from the server.
	RemoteOutput(data []byte)

	// RemotePrompt installs the server's prompt. An empty prompt
	// means the command line belongs to someone else and local
	// command input is disabled.
	RemotePrompt(prompt string)

	// RemoteSource announces the server's source position.
	RemoteSource(info *SourceInformation)

	// RemoteSourceData delivers file contents previously requested
	// with RequestSourceData.
	RemoteSourceData(data *SourceData)

	// RemoteClosed reports that the connection ended.
	RemoteClosed(err error)
}

// Client drives a local console from a remote debug server.
type Client struct {
	conn    net.Conn
	handler Handler
	log     *logrus.Entry

	writeMu sync.Mutex
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Dial connects to a debug server, identifies this user, and checks
// protocol versions. The printf callback receives the connection
// banners so they land in the local console.
func Dial(addr, user, host string, handler Handler, printf func(string, ...interface{})) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return finishConnect(conn, user, host, handler, printf)
}

// ListenReverse binds the given address and waits for the debug
// server to connect out to us. Once a connection arrives the roles
// are the same as in Dial.
func ListenReverse(addr, user, host string, handler Handler, printf func(string, ...interface{})) (*Client, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	printf("Waiting for debug server connection on %s...\n", ln.Addr())
	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		return nil, err
	}
	return finishConnect(conn, user, host, handler, printf)
}

func finishConnect(conn net.Conn, user, host string, handler Handler, printf func(string, ...interface{})) (*Client, error) {
	ci := ClientInformation{
		ProtocolVersion: ProtocolVersion,
		User:            user,
		Host:            host,
	}
	if err := WriteFrame(conn, CommandClientInformation, ci.Encode()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send client information: %v", err)
	}
	frame, err := ReadFrame(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if frame.Command != CommandServerInformation {
		conn.Close()
		return nil, fmt.Errorf("got something other than server information")
	}
	si, err := ParseServerInformation(frame.Payload)
	if err != nil {
		conn.Close()
		return nil, err
	}
	printf("Connected to server version %d.%d\n",
		ProtocolMajor(si.ProtocolVersion), ProtocolMinor(si.ProtocolVersion))
	if ProtocolMajor(si.ProtocolVersion) > ProtocolMajor(ProtocolVersion) {
		printf("This debug client must be upgraded from its current version "+
			"(%d.%d) to connect to the server, which runs remote protocol "+
			"version %d.%d.\n",
			ProtocolMajor(ProtocolVersion), ProtocolMinor(ProtocolVersion),
			ProtocolMajor(si.ProtocolVersion), ProtocolMinor(si.ProtocolVersion))
		conn.Close()
		return nil, ErrVersionMismatch
	}
	c := &Client{
		conn:    conn,
		handler: handler,
		log:     logflags.DebuggerLogger(),
	}
	c.wg.Add(1)
	go c.networkLoop()
	return c, nil
}

// networkLoop dispatches frames from the server until the connection
// dies.
func (c *Client) networkLoop() {
	defer c.wg.Done()
	for {
		frame, err := ReadFrame(c.conn)
		if err != nil {
			c.mu.Lock()
			local := c.closed
			c.mu.Unlock()
			if local {
				// Close was called on this side, not the server's.
				return
			}
			if err == io.EOF || isClosedConn(err) {
				err = nil
			}
			c.handler.RemoteClosed(err)
			return
		}
		switch frame.Command {
		case CommandOutput:
			c.handler.RemoteOutput(frame.Payload)

		case CommandPrompt:
			c.handler.RemotePrompt(string(frame.Payload))

		case CommandSourceInformation:
			info, err := ParseSourceInformation(frame.Payload)
			if err != nil {
				c.log.Errorf("bad source information frame: %v", err)
				break
			}
			c.handler.RemoteSource(info)

		case CommandSourceData:
			data, err := ParseSourceData(frame.Payload)
			if err != nil {
				c.log.Errorf("bad source data frame: %v", err)
				break
			}
			c.handler.RemoteSourceData(data)

		default:
			c.log.Warnf("ignoring remote frame %v from server", frame.Command)
		}
	}
}

// SendCommand submits a command line for the server to execute.
// Local-only commands must be filtered with IsLocalOnly before
// calling this.
func (c *Client) SendCommand(line string) error {
	return c.send(CommandInput, []byte(line))
}

// RequestBreakIn asks the server to break into the target.
func (c *Client) RequestBreakIn() error {
	return c.send(CommandBreakRequest, nil)
}

// RequestSourceData asks the server for the contents of the source
// file it last announced.
func (c *Client) RequestSourceData() error {
	return c.send(CommandSourceDataRequest, nil)
}

func (c *Client) send(cmd Command, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.conn, cmd, payload)
}

// Close tears the connection down and waits for the network
// goroutine to finish.
func (c *Client) Close() {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return
	}
	c.conn.Close()
	c.wg.Wait()
}
