package resolve

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xyproto/patternsleuth/memtrait"
)

// Error is returned by Resolve, Scan and the resolver catalog. Every level of
// resolve that wraps a failing sub-resolve appends that sub-resolver's name
// to context as the error bubbles up, so Error() renders a breadcrumb trail
// from the outermost resolver down to wherever the failure originated.
type Error struct {
	context []string
	msg     string
	access  *memtrait.AccessError
}

// Msg builds a plain diagnostic Error, analogous to ResolveErrorType::Msg.
func Msg(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// FromAccessError wraps a memory-access failure as a resolve Error,
// analogous to ResolveErrorType::MemoryAccessOutOfBounds.
func FromAccessError(err *memtrait.AccessError) *Error {
	return &Error{access: err}
}

// WithContext returns a copy of e with name pushed onto its breadcrumb
// trail, used by Resolve at each level it catches and re-raises a
// sub-resolver's failure.
func (e *Error) WithContext(name string) *Error {
	ne := *e
	ne.context = append(append([]string(nil), e.context...), name)
	return &ne
}

func (e *Error) Error() string {
	var sb strings.Builder
	for i := len(e.context) - 1; i >= 0; i-- {
		sb.WriteString(e.context[i])
		sb.WriteString(": ")
	}
	if e.access != nil {
		sb.WriteString(e.access.Error())
	} else {
		sb.WriteString(e.msg)
	}
	return sb.String()
}

// asError upgrades a plain error into *Error, wrapping it as a Msg if it
// isn't already one — callers that return a raw memtrait.AccessError or a
// plain fmt.Errorf from inside a resolver body still get breadcrumbs.
func asError(err error) *Error {
	if err == nil {
		return nil
	}
	if re, ok := err.(*Error); ok {
		return re
	}
	if ae, ok := err.(*memtrait.AccessError); ok {
		return FromAccessError(ae)
	}
	return Msg("%s", err.Error())
}

const ensureOneMaxUnique = 4

// EnsureOne collapses a slice of addresses into a single value, erroring if
// the slice is empty or contains more than one distinct value. Once
// ensureOneMaxUnique distinct values have been seen the scan stops and the
// count is reported as ">=4" rather than listing every one, matching the
// original's capped uniqueness scan.
func EnsureOne(values []uint64) (uint64, error) {
	if len(values) == 0 {
		return 0, Msg("expected at least one value")
	}
	first := values[0]
	allEqual := true
	for _, v := range values[1:] {
		if v != first {
			allEqual = false
			break
		}
	}
	if allEqual {
		return first, nil
	}

	seen := make(map[uint64]bool)
	var unique []uint64
	reachedMax := false
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		unique = append(unique, v)
		if len(unique) >= ensureOneMaxUnique {
			reachedMax = true
			break
		}
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })

	prefix := ""
	if reachedMax {
		prefix = ">="
	}
	hexParts := make([]string, len(unique))
	for i, v := range unique {
		hexParts[i] = fmt.Sprintf("%X", v)
	}
	return 0, Msg("found %s%d unique values [%s]", prefix, len(unique), strings.Join(hexParts, ", "))
}

// TryEnsureOne is EnsureOne for an already-possibly-empty optional slice,
// returning ok=false instead of an error when values is empty (used by
// resolvers for which "nothing found" is a legitimate, non-erroring
// outcome).
func TryEnsureOne(values []uint64) (addr uint64, ok bool, err error) {
	if len(values) == 0 {
		return 0, false, nil
	}
	addr, err = EnsureOne(values)
	if err != nil {
		return 0, false, err
	}
	return addr, true, nil
}
