package filter

import (
	"fmt"
	"math"

	"golang.org/x/net/bpf"
)

var (
	returnDrop = bpf.RetConstant{Val: 0}
	returnKeep = bpf.RetConstant{Val: 0x40000}
)

// label a jump target. Non-negative labels are placed in the stream with mark;
// the negative ones are fixed.
type label int

const (
	// labelKeep the "ret keep" at the end of every program
	labelKeep label = -1
	// labelDrop the "ret drop" at the end of every program
	labelDrop label = -2
)

type step struct {
	inst bpf.Instruction
	// jump steps, resolved once every label has a position
	isJump     bool
	cond       bpf.JumpTest
	val        uint32
	onTrue     label
	onFalse    label
	uncondJump bool
}

// program collects instructions whose jumps name labels instead of skip counts.
// Every program ends with the keep return followed by the drop return.
type program struct {
	steps  []step
	marks  map[label]int
	labels int
}

func newProgram() *program {
	return &program{marks: map[label]int{}}
}

func (p *program) emit(inst bpf.Instruction) {
	p.steps = append(p.steps, step{inst: inst})
}

func (p *program) load(off uint32, size int) {
	p.emit(bpf.LoadAbsolute{Off: off, Size: size})
}

// jumpIf jump to onTrue when "A cond val" holds, else to onFalse
func (p *program) jumpIf(cond bpf.JumpTest, val uint32, onTrue, onFalse label) {
	p.steps = append(p.steps, step{isJump: true, cond: cond, val: val, onTrue: onTrue, onFalse: onFalse})
}

func (p *program) jumpEqual(val uint32, onTrue, onFalse label) {
	p.jumpIf(bpf.JumpEqual, val, onTrue, onFalse)
}

// jump unconditionally
func (p *program) jump(to label) {
	p.steps = append(p.steps, step{isJump: true, uncondJump: true, onTrue: to})
}

func (p *program) newLabel() label {
	l := label(p.labels)
	p.labels++
	return l
}

// mark place l in front of the next instruction emitted
func (p *program) mark(l label) {
	p.marks[l] = len(p.steps)
}

func (p *program) position(l label) (int, error) {
	switch l {
	case labelKeep:
		return len(p.steps), nil
	case labelDrop:
		return len(p.steps) + 1, nil
	}
	pos, ok := p.marks[l]
	if !ok || pos >= len(p.steps) {
		return 0, fmt.Errorf("filter program: label %d has no instruction", l)
	}
	return pos, nil
}

func (p *program) skip(pc int, l label, limit int) (int, error) {
	pos, err := p.position(l)
	if err != nil {
		return 0, err
	}
	skip := pos - pc - 1
	if skip < 0 {
		return 0, fmt.Errorf("filter program: backward jump at %d", pc)
	}
	if skip > limit {
		return 0, fmt.Errorf("filter program too large: jump of %d instructions", skip)
	}
	return skip, nil
}

// assemble resolve every label and append the two returns
func (p *program) assemble() ([]bpf.Instruction, error) {
	out := make([]bpf.Instruction, 0, len(p.steps)+2)
	for pc, s := range p.steps {
		if !s.isJump {
			out = append(out, s.inst)
			continue
		}
		if s.uncondJump {
			skip, err := p.skip(pc, s.onTrue, math.MaxInt32)
			if err != nil {
				return nil, err
			}
			out = append(out, bpf.Jump{Skip: uint32(skip)})
			continue
		}
		st, err := p.skip(pc, s.onTrue, math.MaxUint8)
		if err != nil {
			return nil, err
		}
		sf, err := p.skip(pc, s.onFalse, math.MaxUint8)
		if err != nil {
			return nil, err
		}
		out = append(out, bpf.JumpIf{Cond: s.cond, Val: s.val, SkipTrue: uint8(st), SkipFalse: uint8(sf)})
	}
	return append(out, returnKeep, returnDrop), nil
}

// test emits code that ends in a jump to match or nomatch on every path
type test func(p *program, match, nomatch label) error

// anyOf match when any test matches, tried in order
func anyOf(tests ...test) test {
	return func(p *program, match, nomatch label) error {
		for i, t := range tests {
			next := nomatch
			if i < len(tests)-1 {
				next = p.newLabel()
			}
			if err := t(p, match, next); err != nil {
				return err
			}
			if next != nomatch {
				p.mark(next)
			}
		}
		return nil
	}
}

// allOf match when every test matches
func allOf(tests ...test) test {
	return func(p *program, match, nomatch label) error {
		for i, t := range tests {
			next := match
			if i < len(tests)-1 {
				next = p.newLabel()
			}
			if err := t(p, next, nomatch); err != nil {
				return err
			}
			if next != match {
				p.mark(next)
			}
		}
		return nil
	}
}

// not swap the outcome of a test
func not(t test) test {
	return func(p *program, match, nomatch label) error {
		return t(p, nomatch, match)
	}
}

// never a test that always fails, for protocols a link type cannot carry
func never(p *program, _, nomatch label) error {
	p.jump(nomatch)
	return nil
}

// always a test that always matches
func always(p *program, match, _ label) error {
	p.jump(match)
	return nil
}

func compileTest(t test) ([]bpf.Instruction, error) {
	p := newProgram()
	if err := t(p, labelKeep, labelDrop); err != nil {
		return nil, err
	}
	return p.assemble()
}
