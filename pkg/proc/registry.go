package proc

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mindbg/mindbg/pkg/imgfile"
	"github.com/mindbg/mindbg/pkg/logflags"
	"github.com/mindbg/mindbg/pkg/symbols"
)

// Output is where user-visible debugger messages go. The debugger
// context implements it over the rolling console buffer.
type Output interface {
	Printf(format string, args ...interface{})
}

// Module is one binary image loaded in the debuggee.
type Module struct {
	// Name is the friendly name, the binary base name without its
	// extension.
	Name string
	// BinaryName is the name the target reported.
	BinaryName string
	// Filename is the on-disk file the search found, empty when no
	// file was located.
	Filename string

	LowestAddress uint64
	Size          uint64
	Timestamp     uint64
	Process       uint32

	// BaseDifference is loaded lowest address minus preferred lowest
	// address; add it to a preferred-space address to get a target VA.
	BaseDifference uint64

	// Symbols is nil when no symbol file was found; the module then
	// contributes only name and address-range resolution.
	Symbols *symbols.Database

	loaded bool
}

// Registry owns the list of loaded modules and keeps it in sync with
// the module signature the debuggee reports.
type Registry struct {
	machine Machine
	out     Output
	log     *logrus.Entry

	// SymbolPath is the ordered list of directories searched for
	// module files.
	SymbolPath []string

	modules             []*Module
	signature           uint64
	lastRemoteSignature uint64
}

// NewRegistry returns an empty registry for the given target machine.
func NewRegistry(machine Machine, out Output) *Registry {
	return &Registry{
		machine: machine,
		out:     out,
		log:     logflags.TargetLogger(),
	}
}

// Signature returns the sum of timestamp + lowest address over all
// modules; it matches what the target reports when in sync.
func (r *Registry) Signature() uint64 { return r.signature }

// Count returns the number of loaded modules.
func (r *Registry) Count() int { return len(r.modules) }

// Modules returns the module list in load order.
func (r *Registry) Modules() []*Module { return r.modules }

// FindByName finds a module by friendly name, case-insensitively.
func (r *Registry) FindByName(name string) (*Module, bool) {
	for _, m := range r.modules {
		if strings.EqualFold(m.Name, name) {
			return m, true
		}
	}
	return nil, false
}

// FindByAddress finds the module whose loaded range covers the target
// virtual address and returns the address translated into the
// module's preferred space.
func (r *Registry) FindByAddress(va uint64) (*Module, uint64, bool) {
	for _, m := range r.modules {
		if va >= m.LowestAddress && va < m.LowestAddress+m.Size {
			return m, va - m.BaseDifference, true
		}
	}
	return nil, 0, false
}

// GetType implements symbols.TypeStore across every loaded module, so
// type references can cross module boundaries.
func (r *Registry) GetType(owner string, number int) (*symbols.Type, bool) {
	m, ok := r.FindByName(owner)
	if !ok || m.Symbols == nil {
		return nil, false
	}
	return m.Symbols.GetType(owner, number)
}

// Load creates a module entry, searching the symbol path for the
// module's file. A module is kept even when no file is found.
func (r *Registry) Load(binaryName, friendlyName string, size, lowest, timestamp uint64, process uint32) *Module {
	m := &Module{
		Name:          friendlyName,
		BinaryName:    binaryName,
		LowestAddress: lowest,
		Size:          size,
		Timestamp:     timestamp,
		Process:       process,
		loaded:        true,
	}
	r.locateAndLoadSymbols(m)

	m.BaseDifference = lowest
	if m.Symbols != nil {
		m.BaseDifference = lowest - m.Symbols.PreferredLowest
	}

	r.out.Printf("Module loaded 0x%08x: %s -> ", m.BaseDifference, m.Name)
	if m.Symbols == nil {
		r.out.Printf(" *** Error: Symbols could not be loaded. ***\n")
	} else {
		r.out.Printf("%s\n", m.Filename)
	}

	r.modules = append(r.modules, m)
	r.signature += m.Timestamp + m.LowestAddress
	return m
}

// timestampsClose allows a one second difference because FAT only
// stores modification times in two second granules.
func timestampsClose(a, b uint64) bool {
	if a == 0 || b == 0 {
		return true
	}
	d := a - b
	if b > a {
		d = b - a
	}
	return d <= 1
}

// locateAndLoadSymbols runs the on-disk search: each symbol path entry
// joined with the binary base name, then the reported path itself. A
// name match with the wrong timestamp is remembered as a backup and
// used only when nothing matches exactly.
func (r *Registry) locateAndLoadSymbols(m *Module) {
	base := filepath.Base(strings.ReplaceAll(m.BinaryName, "\\", "/"))

	var backup string
	var backupTimestamp uint64
	try := func(path string) bool {
		st, err := os.Stat(path)
		if err != nil {
			return false
		}
		mtime := uint64(st.ModTime().Unix())
		if timestampsClose(mtime, m.Timestamp) {
			db, err := r.loadSymbolFile(path, m.Name)
			if err != nil {
				r.log.WithError(err).Debugf("cannot load symbols from %s", path)
				return false
			}
			m.Filename = path
			m.Symbols = db
			return true
		}
		if backup == "" {
			backup = path
			backupTimestamp = mtime
		}
		return false
	}

	for _, dir := range r.SymbolPath {
		candidate := base
		if dir != "" {
			candidate = dir + "/" + base
		}
		if try(candidate) {
			return
		}
	}
	if try(m.BinaryName) {
		return
	}

	if backup == "" {
		return
	}
	db, err := r.loadSymbolFile(backup, m.Name)
	if err != nil {
		r.log.WithError(err).Debugf("cannot load backup symbols from %s", backup)
		return
	}

	// Timestamp deltas of 2 seconds or less stay quiet; FAT and ZIP
	// only keep 2-second resolution.
	delta := backupTimestamp - m.Timestamp
	if m.Timestamp > backupTimestamp {
		delta = m.Timestamp - backupTimestamp
	}
	if delta > 2 {
		r.out.Printf("Warning: Target timestamp for %s is %s\n",
			m.Name,
			time.Unix(int64(m.Timestamp), 0).Format(time.ANSIC))
		r.out.Printf("but file '%s' has timestamp %s.\n",
			backup,
			time.Unix(int64(backupTimestamp), 0).Format(time.ANSIC))
	}
	m.Filename = backup
	m.Symbols = db
}

// loadSymbolFile parses an image file and builds its symbol database.
func (r *Registry) loadSymbolFile(path, friendlyName string) (*symbols.Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	im, err := imgfile.Parse(data)
	if err != nil {
		return nil, err
	}
	if want := imageMachine(r.machine); want != imgfile.MachineUnknown && im.Machine != want {
		return nil, imgfile.ErrUnsupportedMachine
	}
	return symbols.FromImage(friendlyName, im), nil
}

func imageMachine(m Machine) imgfile.Machine {
	switch m {
	case MachineX86:
		return imgfile.MachineX86
	case MachineX64:
		return imgfile.MachineX64
	case MachineArm:
		return imgfile.MachineArm32
	}
	return imgfile.MachineUnknown
}

// Unload removes a module, keeping the signature and count invariants.
func (r *Registry) Unload(m *Module, verbose bool) {
	for i, candidate := range r.modules {
		if candidate == m {
			r.modules = append(r.modules[:i], r.modules[i+1:]...)
			r.signature -= m.Timestamp + m.LowestAddress
			if verbose {
				r.out.Printf("Module unloaded: %s.\n", m.Name)
			}
			m.Symbols = nil
			return
		}
	}
}

// UnloadAll removes every module.
func (r *Registry) UnloadAll(verbose bool) {
	for len(r.modules) > 0 {
		r.Unload(r.modules[len(r.modules)-1], verbose)
	}
	r.lastRemoteSignature = 0
}

// Sync reconciles the registry against the module count and signature
// the target reported with a break. The full list is fetched only
// when the cheap signature check fails and the signature is not one
// already proven out of sync.
func (r *Registry) Sync(link TargetLink, count uint32, signature uint64, force bool) error {
	if signature == r.signature && int(count) == len(r.modules) && !force {
		return nil
	}
	if signature == r.lastRemoteSignature && !force {
		return nil
	}

	list, err := link.GetLoadedModuleList()
	if err != nil {
		return err
	}
	signature = list.Signature

	for _, m := range r.modules {
		m.loaded = false
	}
	for _, entry := range list.Modules {
		if existing := r.findByEntry(&entry); existing != nil {
			existing.loaded = true
			continue
		}
		r.Load(entry.BinaryName,
			symbols.FriendlyName(entry.BinaryName),
			entry.Size,
			entry.LowestAddress,
			entry.Timestamp,
			entry.Process)
	}
	for i := len(r.modules) - 1; i >= 0; i-- {
		if !r.modules[i].loaded {
			r.Unload(r.modules[i], true)
		}
	}

	r.lastRemoteSignature = signature
	if r.signature != signature {
		r.out.Printf("*** Module signatures don't match after synchronization. ***\n"+
			"Debugger: 0x%x, Target: 0x%x\n", r.signature, signature)
	}
	return nil
}

func (r *Registry) findByEntry(entry *LoadedModuleEntry) *Module {
	base := filepath.Base(strings.ReplaceAll(entry.BinaryName, "\\", "/"))
	for _, m := range r.modules {
		if m.LowestAddress != entry.LowestAddress || m.Timestamp != entry.Timestamp {
			continue
		}
		mbase := filepath.Base(strings.ReplaceAll(m.BinaryName, "\\", "/"))
		if strings.EqualFold(mbase, base) {
			return m
		}
	}
	return nil
}
