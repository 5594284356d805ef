package filter

import (
	"errors"

	"golang.org/x/net/bpf"
)

var (
	// ErrMixedJoiners is returned for expressions that combine "and" with "or"; without
	// parentheses there is no way to say which binds first.
	ErrMixedJoiners = errors.New("mixing 'and' and 'or' is not supported")
	// ErrParentheses is returned for expressions that group with parentheses.
	ErrParentheses = errors.New("parentheses are not supported")
	// ErrUnsupported is returned for valid tcpdump syntax this compiler does not handle.
	ErrUnsupported = errors.New("unsupported filter primitive")
)

// Filter constructed of a tcpdump filter expression
type Filter interface {
	Compile(linkType uint32) ([]bpf.Instruction, error)
	Equal(o Filter) bool
}

type filterElement interface {
	IsPrimitive() bool
}

// and a joiner between primitives; true for "and", false for "or"
type and bool

func (a *and) IsPrimitive() bool {
	return false
}
