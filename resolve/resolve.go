// Package resolve is the dependency-graph evaluation engine: named
// resolvers ask for each other's results and for pattern/xref scans through
// a Context, an Evaluator memoizes every resolver by name, and scan
// requests issued by otherwise-idle resolvers are coalesced into scan
// waves — one pass over the image per wave instead of one pass per
// resolver.
//
// A resolver's own goroutine only ever blocks in two places: waiting on
// another resolver's memoized result (Resolve), or waiting on a scan result
// (Context.Scan). Both transitions are visible to the Evaluator, which uses
// them to detect the point where every live resolver goroutine is blocked —
// quiescence — and, if there is pending scan work at that point, runs one
// wave and wakes everyone it can.
package resolve

import (
	"context"
	"sync"
	"time"

	"github.com/xyproto/patternsleuth/image"
	"github.com/xyproto/patternsleuth/internal/envcfg"
	"github.com/xyproto/patternsleuth/internal/obslog"
	"github.com/xyproto/patternsleuth/pattern"
	"github.com/xyproto/patternsleuth/scanner"
)

// Context is handed to every resolver body. It exposes the image being
// evaluated and the scan/resolve operations a resolver uses to compute its
// own result, plus everything the Evaluator needs to track this resolver's
// place in the in-flight call graph.
type Context struct {
	eval *Evaluator
	name string // "" at the root, otherwise the resolver currently executing
}

// Image returns the image being evaluated.
func (c *Context) Image() *image.Image { return c.eval.image }

// Scan runs patterns across every scannable section of the image, blocking
// until the Evaluator's scheduler runs a wave covering this request. It
// returns one match slice per pattern, in argument order.
func (c *Context) Scan(patterns ...*pattern.Pattern) ([][]pattern.Match, error) {
	return c.eval.scan(patterns)
}

// ScanOne is Scan for a single pattern.
func (c *Context) ScanOne(p *pattern.Pattern) ([]pattern.Match, error) {
	out, err := c.Scan(p)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// ScanTagged runs Scan and passes tag through unchanged, letting a resolver
// that issues several concurrent scan requests (via ResolveMany-spawned
// sibling goroutines) correlate each wave's results back to the request that
// made it without threading extra state through Context itself.
func ScanTagged[T any](c *Context, tag T, patterns ...*pattern.Pattern) (T, [][]pattern.Match, error) {
	matches, err := c.Scan(patterns...)
	return tag, matches, err
}

// ResolverFactory names a resolver and the function that computes it.
// FromAddr is optional: supplying it lets an operator force this resolver
// to a fixed address via PATTERNSLEUTH_RES_<Name> without running Body at
// all (see internal/envcfg).
type ResolverFactory[T any] struct {
	Name     string
	Body     func(*Context) (T, error)
	FromAddr func(uint64) (T, error)
}

// AsDyn erases T so the factory can be registered in the catalog or passed
// to ResolveMany alongside factories of other result types.
func (f *ResolverFactory[T]) AsDyn() *DynFactory {
	return &DynFactory{
		name: f.Name,
		run:  func(ctx *Context) (any, error) { return f.Body(ctx) },
		fromAddr: func(addr uint64) (any, error) {
			if f.FromAddr == nil {
				return nil, Msg("resolver %q does not support a PATTERNSLEUTH_RES_ override", f.Name)
			}
			return f.FromAddr(addr)
		},
	}
}

// DynFactory is a type-erased ResolverFactory: a resolver name plus the
// closures needed to run it or satisfy it from an environment override,
// with the result-type parameter hidden behind `any`. It's what the
// process-wide catalog (Register/Registered) and ResolveMany store, so
// resolvers of different Go result types can be batched together.
type DynFactory struct {
	name     string
	run      func(*Context) (any, error)
	fromAddr func(uint64) (any, error)
}

// Name returns the resolver's catalog/breadcrumb name.
func (d *DynFactory) Name() string { return d.name }

// Addr is the result type of a resolver that produces a single address,
// the Go realization of the original's Singleton/Resolution marker.
type Addr uint64

// AddrResolver builds a ResolverFactory[Addr] with override support wired
// in automatically, the common case: almost every resolver in this engine
// ultimately resolves to one address.
func AddrResolver(name string, body func(*Context) (Addr, error)) *ResolverFactory[Addr] {
	return &ResolverFactory[Addr]{
		Name: name,
		Body: body,
		FromAddr: func(v uint64) (Addr, error) {
			return Addr(v), nil
		},
	}
}

// cacheEntry holds one resolver's memoized result, once computed.
type cacheEntry struct {
	done     chan struct{}
	finished bool // set under Evaluator.mu right before done is closed
	result   any
	err      error
}

// scanRequest is one pending Context.Scan call, queued until a wave runs.
type scanRequest struct {
	patterns []*pattern.Pattern
	resultCh chan scanWaveResult
}

type scanWaveResult struct {
	matches [][]pattern.Match
}

// Evaluator owns one evaluation run over a single image: the resolver
// memoization cache, the in-flight call graph used for cycle detection, and
// the wave scheduler that coalesces concurrently-pending scan requests.
type Evaluator struct {
	image *image.Image
	goCtx context.Context

	mu      sync.Mutex
	live    int // goroutines that have started and not yet finished
	blocked int // of those, how many are currently parked
	queue   []*scanRequest
	waveNum int

	cache map[string]*cacheEntry
	graph *callGraph

	stallOnce sync.Once
	stallCh   chan struct{}
}

// NewEvaluator creates an Evaluator over img. Each Evaluator is meant for a
// single logical evaluation run (one Resolve/ResolveMany call); create a
// fresh one per run rather than reusing it, so a stall or cycle in one run
// can't poison a later one.
func NewEvaluator(ctx context.Context, img *image.Image) *Evaluator {
	return &Evaluator{
		image:   img,
		goCtx:   ctx,
		cache:   make(map[string]*cacheEntry),
		graph:   newCallGraph(),
		stallCh: make(chan struct{}),
	}
}

func (e *Evaluator) startGoroutine() {
	e.mu.Lock()
	e.live++
	e.mu.Unlock()
}

func (e *Evaluator) finishGoroutine() {
	e.mu.Lock()
	e.live--
	e.mu.Unlock()
	e.tryFireWave()
}

func (e *Evaluator) enterBlocked() {
	e.mu.Lock()
	e.blocked++
	e.mu.Unlock()
	e.tryFireWave()
}

func (e *Evaluator) exitBlocked() {
	e.mu.Lock()
	e.blocked--
	e.mu.Unlock()
}

func (e *Evaluator) triggerStall() {
	e.stallOnce.Do(func() { close(e.stallCh) })
}

// tryFireWave checks whether every live goroutine is currently blocked and,
// if so, either runs one scan wave (when there's queued work) or declares a
// stall (when there isn't — every resolve path that could deadlock should
// already have been rejected by the cycle check in resolveDyn, so this is a
// last-resort backstop).
func (e *Evaluator) tryFireWave() {
	e.mu.Lock()
	if e.live == 0 || e.blocked != e.live {
		e.mu.Unlock()
		return
	}
	if len(e.queue) == 0 {
		e.mu.Unlock()
		e.triggerStall()
		return
	}
	reqs := e.queue
	e.queue = nil
	e.waveNum++
	wave := e.waveNum
	e.mu.Unlock()
	e.runWave(wave, reqs)
}

// runWave scans every scannable section once per distinct pattern across
// all reqs, then hands each request back only the matches for the patterns
// it asked for — the coalescing step that makes concurrently-blocked
// resolvers share a single pass over the image instead of each scanning it
// independently.
func (e *Evaluator) runWave(wave int, reqs []*scanRequest) {
	start := time.Now()

	index := make(map[*pattern.Pattern]int)
	var all []*pattern.Pattern
	for _, r := range reqs {
		for _, p := range r.patterns {
			if _, ok := index[p]; !ok {
				index[p] = len(all)
				all = append(all, p)
			}
		}
	}

	accum := make([][]pattern.Match, len(all))
	for _, sec := range e.image.Memory.ScannableSections() {
		perPattern := scanner.ScanPatterns(all, sec.Address, sec.Data)
		for pi, positions := range perPattern {
			p := all[pi]
			for _, pos := range positions {
				accum[pi] = append(accum[pi], pattern.Match{
					Address:  p.ComputeResult(sec.Address, pos),
					Captures: p.ExtractCaptures(sec.Data, sec.Address, pos),
				})
			}
		}
	}

	for _, r := range reqs {
		out := make([][]pattern.Match, len(r.patterns))
		for i, p := range r.patterns {
			out[i] = accum[index[p]]
		}
		r.resultCh <- scanWaveResult{matches: out}
	}

	obslog.Wave(e.goCtx, wave, len(all), float64(time.Since(start).Microseconds())/1000)
}

// scan queues patterns as one request and blocks the calling goroutine
// until a wave delivers its results.
func (e *Evaluator) scan(patterns []*pattern.Pattern) ([][]pattern.Match, error) {
	req := &scanRequest{patterns: patterns, resultCh: make(chan scanWaveResult, 1)}

	e.mu.Lock()
	e.queue = append(e.queue, req)
	e.mu.Unlock()

	e.enterBlocked()
	select {
	case res := <-req.resultCh:
		e.exitBlocked()
		return res.matches, nil
	case <-e.stallCh:
		e.exitBlocked()
		return nil, Msg("evaluator stalled: scan request never served")
	}
}

// resolveDyn is the type-erased core of Resolve: memoize by name, detect an
// in-flight cycle before blocking on anything, honor an env override, and
// otherwise run the resolver body.
func (e *Evaluator) resolveDyn(caller *Context, name string, run func(*Context) (any, error), fromAddr func(uint64) (any, error)) (any, error) {
	e.mu.Lock()
	if entry, ok := e.cache[name]; ok {
		if !entry.finished && caller.name != "" && e.graph.Reachable(name, caller.name) {
			// name is already in progress and, transitively, depends on
			// caller — blocking here would wait forever for a resolver
			// that's waiting on us. Same failure as a fresh cycle, just
			// caught on the cache-hit path instead of the first-edge path.
			e.mu.Unlock()
			return nil, Msg("dependency cycle detected: %s -> %s", caller.name, name)
		}
		e.mu.Unlock()
		e.enterBlocked()
		select {
		case <-entry.done:
			e.exitBlocked()
			return entry.result, entry.err
		case <-e.stallCh:
			e.exitBlocked()
			return nil, Msg("evaluator stalled waiting for resolver %q", name)
		}
	}

	if err := e.graph.checkAndAdd(caller.name, name); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	entry := &cacheEntry{done: make(chan struct{})}
	e.cache[name] = entry
	e.mu.Unlock()

	start := time.Now()
	var result any
	var err error
	if addr, ok, overrideErr := envcfg.ResolverOverride(name); overrideErr != nil {
		err = Msg("resolver %q: bad PATTERNSLEUTH_RES_ override: %v", name, overrideErr)
	} else if ok {
		result, err = fromAddr(addr)
	} else {
		result, err = run(&Context{eval: e, name: name})
	}

	e.mu.Lock()
	e.graph.remove(caller.name, name)
	entry.result = result
	if err != nil {
		entry.err = asError(err).WithContext(name)
	}
	entry.finished = true
	close(entry.done)
	e.mu.Unlock()

	obslog.Resolver(e.goCtx, name, err == nil, float64(time.Since(start).Microseconds())/1000)
	return entry.result, entry.err
}

// Resolve evaluates factory within ctx's evaluation run, memoizing on
// factory.Name. Calling Resolve for the same name more than once — whether
// from one resolver body or from several running concurrently — runs Body
// at most once.
func Resolve[T any](ctx *Context, factory *ResolverFactory[T]) (T, error) {
	d := factory.AsDyn()
	v, err := ctx.eval.resolveDyn(ctx, d.name, d.run, d.fromAddr)
	var zero T
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// Eval runs body as the root of a fresh evaluation over img. body typically
// chains into one or more named resolvers via Context.Resolve (using the
// package-level Resolve function); body itself is not named or memoized,
// since nothing else can depend on the root.
func Eval[T any](goCtx context.Context, img *image.Image, body func(*Context) (T, error)) (T, error) {
	eval := NewEvaluator(goCtx, img)
	eval.startGoroutine()
	root := &Context{eval: eval}
	v, err := body(root)
	eval.finishGoroutine()
	if err != nil {
		var zero T
		return zero, asError(err)
	}
	return v, nil
}

// Result is one named resolver's outcome from a ResolveMany batch.
type Result struct {
	Name  string
	Value any
	Err   error
}

// ResolveMany runs every factory concurrently over the same image and
// Evaluator, so scan requests they issue while waiting on each other (or on
// the image) are coalesced into shared waves. A failure in one factory
// doesn't prevent the others from completing.
func ResolveMany(goCtx context.Context, img *image.Image, factories []func() *DynFactory) []Result {
	eval := NewEvaluator(goCtx, img)

	results := make([]Result, len(factories))
	var wg sync.WaitGroup

	for i, makeFactory := range factories {
		i, df := i, makeFactory()
		wg.Add(1)
		eval.startGoroutine()
		go func() {
			defer wg.Done()
			defer eval.finishGoroutine()
			root := &Context{eval: eval}
			v, err := eval.resolveDyn(root, df.name, df.run, df.fromAddr)
			results[i] = Result{Name: df.name, Value: v, Err: err}
		}()
	}

	wg.Wait()
	return results
}
