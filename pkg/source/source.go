// Package source maintains the debugger's source view: the file the
// target is stopped in, the highlighted line, and the path rewrite
// rules that map paths recorded in symbols to files on this machine.
package source

import (
	"fmt"
	"os"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/mindbg/mindbg/pkg/logflags"
)

// fileCacheSize bounds the loaded-file cache. Stepping back and forth
// between a handful of files should never re-read disk.
const fileCacheSize = 16

// Rule rewrites a source path prefix. An empty prefix matches every
// path, so the rule becomes a plain directory to try.
type Rule struct {
	Prefix string
	Path   string
}

// ParseRule reads a "prefix=path" argument. The prefix may be empty,
// which matches every path; the replacement path may not.
func ParseRule(arg string) (Rule, error) {
	i := strings.IndexByte(arg, '=')
	if i < 0 || arg[i+1:] == "" {
		return Rule{}, fmt.Errorf("source path rule %q is not of the form prefix=path", arg)
	}
	return Rule{Prefix: Normalize(arg[:i]), Path: arg[i+1:]}, nil
}

// Normalize converts backslash separators, which symbol records from
// cross-compiled images routinely carry, to forward slashes.
func Normalize(path string) string {
	return strings.ReplaceAll(path, "\\", "/")
}

// View is the current source file state. It is not internally
// synchronized: the owner serializes access under its output lock so
// remote senders never observe the path and contents mid-swap.
type View struct {
	rules []Rule
	cache *lru.Cache
	log   interface {
		Debugf(format string, args ...interface{})
	}

	// PrintLoads reports every load attempt while resolving a path.
	// Printf is where those reports go; the debugger points it at the
	// shared console.
	PrintLoads bool
	Printf     func(format string, args ...interface{})

	// Path is the path the symbols reported, normalized. ActualPath
	// is where the contents actually came from after rewriting.
	Path       string
	ActualPath string
	Contents   []byte
	// Line is the 1-based highlighted line, 0 when nothing is
	// highlighted.
	Line int
}

// NewView returns an empty source view.
func NewView() *View {
	cache, _ := lru.New(fileCacheSize)
	return &View{
		cache:  cache,
		log:    logflags.DebuggerLogger(),
		Printf: func(format string, args ...interface{}) { fmt.Printf(format, args...) },
	}
}

// Rules returns the active rewrite rules in search order.
func (v *View) Rules() []Rule { return v.rules }

// AddRule appends a rewrite rule.
func (v *View) AddRule(r Rule) { v.rules = append(v.rules, r) }

// SetRules replaces the rewrite rules.
func (v *View) SetRules(rules []Rule) { v.rules = rules }

// Clear drops the highlight but keeps the loaded file.
func (v *View) Clear() { v.Line = 0 }

// Reset forgets the loaded file entirely.
func (v *View) Reset() {
	v.Path = ""
	v.ActualPath = ""
	v.Contents = nil
	v.Line = 0
}

// readFile fetches a file through the cache.
func (v *View) readFile(path string) ([]byte, error) {
	if data, ok := v.cache.Get(path); ok {
		return data.([]byte), nil
	}
	data, err := os.ReadFile(path)
	if v.PrintLoads {
		status := "ok"
		if err != nil {
			status = err.Error()
		}
		v.Printf("Load %s: %s\n", path, status)
	}
	if err != nil {
		return nil, err
	}
	v.cache.Add(path, data)
	return data, nil
}

// Resolve runs the rewrite search for a normalized path: each rule
// whose prefix matches (or is empty) has the prefix stripped and the
// replacement prepended, then the raw path is tried last.
func (v *View) Resolve(path string) (string, []byte, error) {
	var firstErr error
	for _, r := range v.rules {
		if r.Prefix != "" && !strings.HasPrefix(path, r.Prefix) {
			continue
		}
		candidate := r.Path + path[len(r.Prefix):]
		data, err := v.readFile(candidate)
		if err == nil {
			return candidate, data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	data, err := v.readFile(path)
	if err == nil {
		return path, data, nil
	}
	if firstErr == nil {
		firstErr = err
	}
	return "", nil, firstErr
}

// Show points the view at a path and line. When the path matches the
// loaded file only the highlight moves. The return value reports
// whether the contents are available; on a failed load the path and
// line are still recorded so a remote peer can try to supply the
// file.
func (v *View) Show(path string, line int) bool {
	path = Normalize(path)
	if path == v.Path && v.Contents != nil {
		v.Line = line
		return true
	}

	v.Path = path
	v.ActualPath = ""
	v.Contents = nil
	v.Line = line

	actual, data, err := v.Resolve(path)
	if err != nil {
		v.log.Debugf("no source for %s: %v", path, err)
		return false
	}
	v.ActualPath = actual
	v.Contents = data
	return true
}

// SupplyContents installs file contents that arrived from a peer for
// the currently shown path.
func (v *View) SupplyContents(contents []byte) {
	v.ActualPath = v.Path
	v.Contents = contents
	v.cache.Add(v.Path, contents)
}
