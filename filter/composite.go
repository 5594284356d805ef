package filter

import (
	"golang.org/x/net/bpf"
)

// composite implements Filter
type composite struct {
	primitives primitives
	and        bool
}

func (c composite) Compile(linkType uint32) ([]bpf.Instruction, error) {
	if err := checkLinkType(linkType); err != nil {
		return nil, err
	}
	// each primitive jumps straight to keep or drop where the joiner decides the
	// outcome, and falls through to the next primitive otherwise
	tests := make([]test, 0, len(c.primitives))
	for _, p := range c.primitives {
		t, err := p.test(linkType)
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	if c.and {
		return compileTest(allOf(tests...))
	}
	return compileTest(anyOf(tests...))
}

func (c composite) Equal(o Filter) bool {
	if o == nil {
		return false
	}
	oc, ok := o.(composite)
	if !ok {
		return false
	}
	return c.and == oc.and && c.primitives.Equal(oc.primitives)
}

type primitives []primitive

// Equal same primitives in the same order
func (p primitives) Equal(o primitives) bool {
	// not matched if of the wrong length
	if len(p) != len(o) {
		return false
	}
	for i, val := range p {
		if !val.Equal(o[i]) {
			return false
		}
	}
	return true
}
