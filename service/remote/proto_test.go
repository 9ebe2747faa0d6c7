package remote

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	frames := []struct {
		cmd     Command
		payload []byte
	}{
		{CommandInput, []byte("k")},
		{CommandOutput, []byte("Breakpoint 0 hit!\n")},
		{CommandPrompt, nil},
		{CommandBreakRequest, nil},
		{CommandSourceDataRequest, []byte{}},
		{CommandSourceData, bytes.Repeat([]byte{0xAB}, 4096)},
	}
	var buf bytes.Buffer
	for _, f := range frames {
		if err := WriteFrame(&buf, f.cmd, f.payload); err != nil {
			t.Fatalf("write %v: %v", f.cmd, err)
		}
	}
	for _, want := range frames {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("read %v: %v", want.cmd, err)
		}
		if got.Command != want.cmd {
			t.Errorf("command = %v, want %v", got.Command, want.cmd)
		}
		if !bytes.Equal(got.Payload, want.payload) {
			t.Errorf("%v payload mismatch: %d bytes, want %d",
				want.cmd, len(got.Payload), len(want.payload))
		}
	}
	if buf.Len() != 0 {
		t.Errorf("%d trailing bytes after decoding all frames", buf.Len())
	}
}

func TestFrameBadMagic(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, CommandInput, []byte("go")); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	raw[0] ^= 0xFF
	if _, err := ReadFrame(bytes.NewReader(raw)); err != ErrBadMagic {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestFrameHeaderCrc(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, CommandInput, []byte("go")); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	raw[4] ^= 0x01 // flip a command bit, leaving the recorded CRC stale
	if _, err := ReadFrame(bytes.NewReader(raw)); !errors.Is(err, ErrBadCrc) {
		t.Fatalf("err = %v, want ErrBadCrc", err)
	}
}

func TestFramePayloadCrc(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, CommandOutput, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF
	if _, err := ReadFrame(bytes.NewReader(raw)); !errors.Is(err, ErrBadCrc) {
		t.Fatalf("err = %v, want ErrBadCrc", err)
	}
}

func TestFrameLengthCap(t *testing.T) {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], HeaderMagic)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(CommandOutput))
	binary.LittleEndian.PutUint64(hdr[12:], 1<<40)
	binary.LittleEndian.PutUint32(hdr[8:], crc32.ChecksumIEEE(hdr[:]))
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestClientInformationFields(t *testing.T) {
	ci := ClientInformation{
		ProtocolVersion: ProtocolVersion,
		User:            "alice",
		Host:            "buildbox",
	}
	wire := ci.Encode()
	if len(wire) != 4+userSize+hostSize {
		t.Fatalf("encoded length = %d", len(wire))
	}
	got, err := ParseClientInformation(wire)
	if err != nil {
		t.Fatal(err)
	}
	if got.User != "alice" || got.Host != "buildbox" {
		t.Errorf("got %q on %q", got.User, got.Host)
	}
	if ProtocolMajor(got.ProtocolVersion) != 1 || ProtocolMinor(got.ProtocolVersion) != 0 {
		t.Errorf("version = %d.%d, want 1.0",
			ProtocolMajor(got.ProtocolVersion), ProtocolMinor(got.ProtocolVersion))
	}
}

func TestClientInformationLongNames(t *testing.T) {
	long := string(bytes.Repeat([]byte{'x'}, 100))
	ci := ClientInformation{User: long, Host: long}
	got, err := ParseClientInformation(ci.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if len(got.User) != userSize-1 {
		t.Errorf("user truncated to %d chars, want %d", len(got.User), userSize-1)
	}
	if len(got.Host) != hostSize-1 {
		t.Errorf("host truncated to %d chars, want %d", len(got.Host), hostSize-1)
	}
}

func TestSourceInformationFields(t *testing.T) {
	si := SourceInformation{
		LineNumber:      42,
		SourceAvailable: true,
		FileName:        "z:/minoca/kernel/main.c",
	}
	got, err := ParseSourceInformation(si.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if got.LineNumber != 42 || !got.SourceAvailable || got.FileName != si.FileName {
		t.Errorf("got %+v", got)
	}

	clear := SourceInformation{}
	got, err = ParseSourceInformation(clear.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if got.LineNumber != 0 || got.SourceAvailable || got.FileName != "" {
		t.Errorf("clear frame decoded as %+v", got)
	}
}

func TestSourceDataFields(t *testing.T) {
	sd := SourceData{
		FileNameCrc32: FileNameCrc("main.c"),
		Contents:      []byte("int main(void) { return 0; }\n"),
	}
	got, err := ParseSourceData(sd.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if got.FileNameCrc32 != FileNameCrc("main.c") {
		t.Errorf("crc = %#x", got.FileNameCrc32)
	}
	if !bytes.Equal(got.Contents, sd.Contents) {
		t.Errorf("contents mismatch")
	}
}

func TestIsLocalOnly(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{"quit", true},
		{"q", true},
		{"QUIT", true},
		{"srcpath", true},
		{"srcpath z:/src=/home/me/src", true},
		{"srcpath+ z:/src=/home/me/src", true},
		{"quitter", false},
		{"g", false},
		{"k", false},
		{"srcpathx", false},
		{"", false},
	}
	for _, c := range cases {
		if got := IsLocalOnly(c.line); got != c.want {
			t.Errorf("IsLocalOnly(%q) = %v, want %v", c.line, got, c.want)
		}
	}
}
