// Package resolvers provides a handful of small, general resolvers that
// exercise the resolve catalog end to end — an image-base lookup, an
// exception-directory walk, and a pattern scan that chains into another
// resolver. They're infrastructure demonstrations, not an attempt at a
// game-specific signature pack: reproducing any particular game's pattern
// set is explicitly out of scope for this engine.
package resolvers

import (
	"github.com/xyproto/patternsleuth/pattern"
	"github.com/xyproto/patternsleuth/resolve"
)

// ImageBase resolves to the image's own base address. It touches nothing
// but Context.Image(), so it never blocks and never participates in a scan
// wave — the simplest possible resolver.
var ImageBase = resolve.AddrResolver("ImageBase", func(c *resolve.Context) (resolve.Addr, error) {
	return resolve.Addr(c.Image().BaseAddress), nil
})

func init() {
	resolve.Register(ImageBase.Name, func() *resolve.DynFactory { return ImageBase.AsDyn() })
}

// ExceptionDirectoryStart resolves to the start address of the first
// (lowest-addressed) root function in the PE exception directory,
// demonstrating a resolver whose body calls into Image's exception-cache
// lookups (GetRootFunctions) instead of scanning, and collapses the
// candidates into one result by taking the minimum start address.
var ExceptionDirectoryStart = resolve.AddrResolver("ExceptionDirectoryStart", func(c *resolve.Context) (resolve.Addr, error) {
	roots := c.Image().GetRootFunctions()
	if len(roots) == 0 {
		return 0, resolve.Msg("no root functions in exception directory")
	}
	starts := make([]uint64, len(roots))
	for i, rf := range roots {
		starts[i] = rf.Start
	}
	min := starts[0]
	for _, s := range starts[1:] {
		if s < min {
			min = s
		}
	}
	return resolve.Addr(min), nil
})

func init() {
	resolve.Register(ExceptionDirectoryStart.Name, func() *resolve.DynFactory { return ExceptionDirectoryStart.AsDyn() })
}

// entryPointPattern matches a typical x86-64 MSVC/ClangCL function prologue
// (mov [rsp+N], rbx; push rdi; sub rsp, N) immediately followed by a call —
// a generic enough shape to appear in most optimized binaries without
// naming any specific function, used here purely to exercise a scan chained
// into another resolver.
var entryPointPattern = mustPattern("48 89 5C 24 ?? 57 48 83 EC ?? | E8 ?? ?? ?? ??")

func mustPattern(text string) *pattern.Pattern {
	p, err := pattern.New(text)
	if err != nil {
		panic("resolvers: invalid built-in pattern: " + err.Error())
	}
	return p
}

// EntryPointXref chains into ImageBase via resolve.Resolve, then issues one
// pattern scan for entryPointPattern. It reports the address of the call
// instruction (the pattern's "|" marker) of the single candidate EnsureOne
// accepts, or the image base when nothing matches — demonstrating both a
// resolver that scans and one that depends on another resolver.
var EntryPointXref = resolve.AddrResolver("EntryPointXref", func(c *resolve.Context) (resolve.Addr, error) {
	base, err := resolve.Resolve(c, ImageBase)
	if err != nil {
		return 0, err
	}

	matches, err := c.ScanOne(entryPointPattern)
	if err != nil {
		return 0, err
	}
	if len(matches) == 0 {
		return base, nil
	}

	addrs := make([]uint64, len(matches))
	for i, m := range matches {
		addrs[i] = m.Address
	}
	addr, err := resolve.EnsureOne(addrs)
	if err != nil {
		return 0, err
	}
	return resolve.Addr(addr), nil
})

func init() {
	resolve.Register(EntryPointXref.Name, func() *resolve.DynFactory { return EntryPointXref.AsDyn() })
}
