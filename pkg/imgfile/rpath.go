package imgfile

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandRpath substitutes the dynamic string tokens $ORIGIN, $LIB and
// $PLATFORM in an rpath entry. origin is the directory holding the
// image the rpath came from; $LIB and $PLATFORM depend on the image's
// class and machine.
func (im *Image) ExpandRpath(rpath, origin string) string {
	lib := "lib"
	if im.Format == FormatElf64 {
		lib = "lib64"
	}
	platform := ""
	switch im.Machine {
	case MachineX86:
		platform = "i686"
	case MachineX64:
		platform = "x86_64"
	case MachineArm32:
		platform = "armv7"
	case MachineArm64:
		platform = "armv8"
	}
	replace := func(s, token, val string) string {
		s = strings.ReplaceAll(s, "${"+token+"}", val)
		return strings.ReplaceAll(s, "$"+token, val)
	}
	rpath = replace(rpath, "ORIGIN", origin)
	rpath = replace(rpath, "LIB", lib)
	rpath = replace(rpath, "PLATFORM", platform)
	return rpath
}

// LibraryPath resolves DT_NEEDED names against the search order an
// ELF loader would use: DT_RPATH (unless DT_RUNPATH is set), the
// environment list, DT_RUNPATH, then the supplied defaults.
type LibraryPath struct {
	Origin   string
	Image    *Image
	EnvList  string
	Defaults []string
}

// Dirs returns the ordered list of directories to search.
func (lp *LibraryPath) Dirs() []string {
	var dirs []string
	appendList := func(list string) {
		for _, d := range strings.Split(list, ":") {
			if d == "" {
				continue
			}
			dirs = append(dirs, lp.Image.ExpandRpath(d, lp.Origin))
		}
	}
	dyn := lp.Image.Dynamic
	if dyn != nil {
		// DT_RUNPATH supersedes DT_RPATH and is searched after the
		// environment list instead of before it.
		if dyn.RunPath == "" && dyn.RPath != "" {
			appendList(dyn.RPath)
		}
	}
	appendList(lp.EnvList)
	if dyn != nil && dyn.RunPath != "" {
		appendList(dyn.RunPath)
	}
	dirs = append(dirs, lp.Defaults...)
	return dirs
}

// Resolve returns the first existing path for a needed library name.
// Names containing a path separator bypass the search.
func (lp *LibraryPath) Resolve(name string) (string, bool) {
	if strings.ContainsRune(name, filepath.Separator) {
		_, err := os.Stat(name)
		return name, err == nil
	}
	for _, dir := range lp.Dirs() {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}
