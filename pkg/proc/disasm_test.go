package proc

import (
	"strings"
	"testing"
)

func TestDisassembleNextX86(t *testing.T) {
	stream := []byte{0x55, 0x89, 0xE5}
	text, size := DisassembleNext(MachineX86, stream, false)
	if size != 1 {
		t.Errorf("size = %d", size)
	}
	if !strings.Contains(strings.ToLower(text), "push") {
		t.Errorf("text = %q", text)
	}
}

func TestDisassembleNextArm(t *testing.T) {
	stream := []byte{0x0D, 0xC0, 0xA0, 0xE1} // mov ip, sp
	text, size := DisassembleNext(MachineArm, stream, false)
	if size != 4 {
		t.Errorf("size = %d", size)
	}
	if !strings.Contains(strings.ToLower(text), "mov") {
		t.Errorf("text = %q", text)
	}
}

func TestDisassembleNextThumbFallback(t *testing.T) {
	stream := []byte{0x10, 0xB5}
	text, size := DisassembleNext(MachineArm, stream, true)
	if size != 2 {
		t.Errorf("size = %d", size)
	}
	if !strings.HasPrefix(text, ".hword") {
		t.Errorf("text = %q", text)
	}
}

func TestDisassembleNextGarbage(t *testing.T) {
	text, size := DisassembleNext(MachineX86, []byte{0xFF}, false)
	if size != 1 {
		t.Errorf("size = %d", size)
	}
	if !strings.HasPrefix(text, ".byte") {
		t.Errorf("text = %q", text)
	}
}
