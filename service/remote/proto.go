// Package remote implements the debugger's session fabric: the framed
// wire protocol that lets additional debugger instances attach to a
// running session, the server that fans console state out to them,
// and the client side that drives a local console from a remote
// server.
package remote

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
)

// HeaderMagic opens every frame: "Dbg:" little endian.
const HeaderMagic uint32 = 0x3A676244

// headerSize is the fixed frame prefix: magic u32, command u32,
// header CRC u32, payload length u64, payload CRC u32.
const headerSize = 24

// maxFrameSize caps a frame's payload so a corrupt length field
// cannot ask for an absurd allocation.
const maxFrameSize = 1 << 26

// Command is the frame type.
type Command uint32

const (
	CommandInvalid Command = iota
	CommandClientInformation
	CommandServerInformation
	CommandOutput
	CommandPrompt
	CommandInput
	CommandBreakRequest
	CommandSourceInformation
	CommandSourceDataRequest
	CommandSourceData
)

func (c Command) String() string {
	switch c {
	case CommandClientInformation:
		return "ClientInformation"
	case CommandServerInformation:
		return "ServerInformation"
	case CommandOutput:
		return "Output"
	case CommandPrompt:
		return "Prompt"
	case CommandInput:
		return "Input"
	case CommandBreakRequest:
		return "BreakRequest"
	case CommandSourceInformation:
		return "SourceInformation"
	case CommandSourceDataRequest:
		return "SourceDataRequest"
	case CommandSourceData:
		return "SourceData"
	}
	return fmt.Sprintf("Command(%d)", uint32(c))
}

// ProtocolVersion is 1.0: major in the high 16 bits.
const ProtocolVersion uint32 = 1 << 16

// ProtocolMajor extracts the major version.
func ProtocolMajor(v uint32) uint16 { return uint16(v >> 16) }

// ProtocolMinor extracts the minor version.
func ProtocolMinor(v uint32) uint16 { return uint16(v) }

var (
	// ErrBadMagic means the stream is not at a frame boundary.
	ErrBadMagic = errors.New("remote frame has bad magic")
	// ErrBadCrc means a header or payload checksum failed.
	ErrBadCrc = errors.New("remote frame has bad CRC")
	// ErrFrameTooLarge means the length field is past the sanity cap.
	ErrFrameTooLarge = errors.New("remote frame too large")
	// ErrVersionMismatch means the peer's protocol major is too new.
	ErrVersionMismatch = errors.New("remote protocol version mismatch")
)

// Frame is one decoded wire frame.
type Frame struct {
	Command Command
	Payload []byte
}

// WriteFrame sends one frame. The header CRC is computed with its own
// field zeroed.
func WriteFrame(w io.Writer, cmd Command, payload []byte) error {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], HeaderMagic)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(cmd))
	binary.LittleEndian.PutUint64(hdr[12:], uint64(len(payload)))
	binary.LittleEndian.PutUint32(hdr[20:], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(hdr[8:], crc32.ChecksumIEEE(hdr[:]))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads and verifies one frame.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != HeaderMagic {
		return nil, ErrBadMagic
	}
	foundCrc := binary.LittleEndian.Uint32(hdr[8:])
	binary.LittleEndian.PutUint32(hdr[8:], 0)
	if crc32.ChecksumIEEE(hdr[:]) != foundCrc {
		return nil, fmt.Errorf("%w: header", ErrBadCrc)
	}
	length := binary.LittleEndian.Uint64(hdr[12:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	frame := &Frame{Command: Command(binary.LittleEndian.Uint32(hdr[4:]))}
	if length > 0 {
		frame.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, frame.Payload); err != nil {
			return nil, err
		}
	}
	if crc32.ChecksumIEEE(frame.Payload) != binary.LittleEndian.Uint32(hdr[20:]) {
		return nil, fmt.Errorf("%w: payload", ErrBadCrc)
	}
	return frame, nil
}

// User and host names travel as fixed-size NUL-padded ASCII fields.
const (
	userSize = 48
	hostSize = 48
)

// ClientInformation is the client's side of the handshake.
type ClientInformation struct {
	ProtocolVersion uint32
	User            string
	Host            string
}

// Encode lays the structure out on the wire.
func (ci *ClientInformation) Encode() []byte {
	out := make([]byte, 4+userSize+hostSize)
	binary.LittleEndian.PutUint32(out, ci.ProtocolVersion)
	copyPadded(out[4:4+userSize], ci.User)
	copyPadded(out[4+userSize:], ci.Host)
	return out
}

// ParseClientInformation decodes a ClientInformation payload.
func ParseClientInformation(payload []byte) (*ClientInformation, error) {
	if len(payload) < 4+userSize+hostSize {
		return nil, fmt.Errorf("client information truncated: %d bytes", len(payload))
	}
	return &ClientInformation{
		ProtocolVersion: binary.LittleEndian.Uint32(payload),
		User:            cutString(payload[4 : 4+userSize]),
		Host:            cutString(payload[4+userSize : 4+userSize+hostSize]),
	}, nil
}

// ServerInformation is the server's side of the handshake.
type ServerInformation struct {
	ProtocolVersion uint32
}

// Encode lays the structure out on the wire.
func (si *ServerInformation) Encode() []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, si.ProtocolVersion)
	return out
}

// ParseServerInformation decodes a ServerInformation payload.
func ParseServerInformation(payload []byte) (*ServerInformation, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("server information truncated: %d bytes", len(payload))
	}
	return &ServerInformation{
		ProtocolVersion: binary.LittleEndian.Uint32(payload),
	}, nil
}

// SourceInformation announces the file and line the server's source
// view points at. A zero line number clears the highlight.
type SourceInformation struct {
	LineNumber      uint64
	SourceAvailable bool
	FileName        string
}

// Encode lays the structure out on the wire.
func (si *SourceInformation) Encode() []byte {
	out := make([]byte, 12+len(si.FileName))
	binary.LittleEndian.PutUint64(out, si.LineNumber)
	if si.SourceAvailable {
		binary.LittleEndian.PutUint32(out[8:], 1)
	}
	copy(out[12:], si.FileName)
	return out
}

// ParseSourceInformation decodes a SourceInformation payload.
func ParseSourceInformation(payload []byte) (*SourceInformation, error) {
	if len(payload) < 12 {
		return nil, fmt.Errorf("source information truncated: %d bytes", len(payload))
	}
	return &SourceInformation{
		LineNumber:      binary.LittleEndian.Uint64(payload),
		SourceAvailable: binary.LittleEndian.Uint32(payload[8:]) != 0,
		FileName:        string(payload[12:]),
	}, nil
}

// SourceData carries file contents; the CRC of the file name lets the
// receiver confirm the data matches the file it asked about.
type SourceData struct {
	FileNameCrc32 uint32
	Contents      []byte
}

// Encode lays the structure out on the wire.
func (sd *SourceData) Encode() []byte {
	out := make([]byte, 4+len(sd.Contents))
	binary.LittleEndian.PutUint32(out, sd.FileNameCrc32)
	copy(out[4:], sd.Contents)
	return out
}

// ParseSourceData decodes a SourceData payload.
func ParseSourceData(payload []byte) (*SourceData, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("source data truncated: %d bytes", len(payload))
	}
	return &SourceData{
		FileNameCrc32: binary.LittleEndian.Uint32(payload),
		Contents:      payload[4:],
	}, nil
}

// FileNameCrc computes the checksum SourceData carries for a path.
func FileNameCrc(path string) uint32 {
	return crc32.ChecksumIEEE([]byte(path))
}

func copyPadded(dst []byte, s string) {
	copy(dst, s)
	dst[len(dst)-1] = 0
}

func cutString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// localOnlyCommands never travel to a remote server; they act on this
// instance's state.
var localOnlyCommands = []string{"quit", "q", "srcpath", "srcpath+"}

// IsLocalOnly reports whether a command line starts with a command
// the remote client must execute locally.
func IsLocalOnly(line string) bool {
	for _, cmd := range localOnlyCommands {
		if len(line) < len(cmd) {
			continue
		}
		if !strings.EqualFold(line[:len(cmd)], cmd) {
			continue
		}
		if len(line) == len(cmd) || line[len(cmd)] == ' ' || line[len(cmd)] == '\t' {
			return true
		}
	}
	return false
}
