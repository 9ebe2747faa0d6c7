package terminal

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mindbg/mindbg/pkg/config"
	"github.com/mindbg/mindbg/pkg/source"
)

func testTerm(buf *bytes.Buffer) *Term {
	return &Term{
		conf:   &config.Config{SourceListLineColor: ansiBlue},
		dumb:   true,
		stdout: buf,
	}
}

func TestPrintSourceHighlight(t *testing.T) {
	var buf bytes.Buffer
	trm := testTerm(&buf)

	v := source.NewView()
	v.Contents = []byte("one\ntwo\nthree\nfour\n")
	v.Line = 2
	trm.PrintSource(v)

	out := buf.String()
	if !strings.Contains(out, "=>    2: two") {
		t.Errorf("missing highlight in %q", out)
	}
	if !strings.Contains(out, "   1: one") || !strings.Contains(out, "   4: four") {
		t.Errorf("missing context lines in %q", out)
	}
}

func TestPrintSourceWindow(t *testing.T) {
	var buf bytes.Buffer
	trm := testTerm(&buf)

	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "x"
	}
	v := source.NewView()
	v.Contents = []byte(strings.Join(lines, "\n"))
	v.Line = 50
	trm.PrintSource(v)

	out := buf.String()
	if strings.Contains(out, "  44:") || strings.Contains(out, "  56:") {
		t.Errorf("window too wide:\n%s", out)
	}
	if !strings.Contains(out, "  45:") || !strings.Contains(out, "  55:") {
		t.Errorf("window too narrow:\n%s", out)
	}
}

func TestPrintSourceNothingLoaded(t *testing.T) {
	var buf bytes.Buffer
	trm := testTerm(&buf)
	trm.PrintSource(source.NewView())
	if buf.Len() != 0 {
		t.Errorf("printed %q with no source", buf.String())
	}
}
