package filter

import (
	"errors"
	"fmt"
	"strings"
)

type Expression struct {
	raw     string
	split   []string
	current int
}

// aliases the C-style operators tcpdump also accepts
var aliases = map[string]string{
	"&&": "and",
	"||": "or",
	"!":  "not",
}

func NewExpression(s string) *Expression {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	split := strings.Fields(s)
	for i, w := range split {
		if alias, ok := aliases[w]; ok {
			split[i] = alias
		}
	}
	return &Expression{
		raw:   s,
		split: split,
	}
}

// Compile parse the whole expression into a Filter: a single primitive, or a
// composite of primitives all joined by "and" or all joined by "or".
func (e *Expression) Compile() (Filter, error) {
	if strings.ContainsAny(e.raw, "()") {
		return nil, ErrParentheses
	}
	var (
		combo    composite
		joined   bool
		expectFE = true
	)
	for {
		fe := e.Next()
		if fe == nil {
			break
		}
		if fe.IsPrimitive() {
			if !expectFE {
				return nil, fmt.Errorf("missing 'and' or 'or' before %q", e.split[e.current-1])
			}
			p := fe.(*primitive)
			var lastPrimitive *primitive
			if len(combo.primitives) > 0 {
				lastPrimitive = &combo.primitives[len(combo.primitives)-1]
			}
			setPrimitiveDefaults(p, lastPrimitive)
			combo.primitives = append(combo.primitives, *p)
			expectFE = false
			continue
		}
		// it is not a primitive, so it is a joiner
		if expectFE {
			return nil, errors.New("'and' or 'or' must sit between two primitives")
		}
		isAnd := bool(*fe.(*and))
		if joined && combo.and != isAnd {
			return nil, ErrMixedJoiners
		}
		combo.and = isAnd
		joined = true
		expectFE = true
	}
	if len(combo.primitives) == 0 {
		return nil, errors.New("empty filter expression")
	}
	if expectFE {
		return nil, errors.New("expression ends with 'and' or 'or'")
	}
	// is there just one element?
	if len(combo.primitives) == 1 {
		return combo.primitives[0], nil
	}
	return combo, nil
}

// HasNext if there are any more primitives to return
func (e *Expression) HasNext() bool {
	return len(e.split) > e.current
}

// Next get the next primitive. If none left, return nil.
func (e *Expression) Next() filterElement {
	if !e.HasNext() {
		return nil
	}
	startCount := e.current

	p := &primitive{
		direction: filterDirectionUnset,
		kind:      filterKindUnset,
		protocol:  filterProtocolUnset,
	}

words:
	for {
		if !e.HasNext() {
			break
		}
		word := e.split[e.current]
		// first look for and/or joiner, or negator, and really special cases
		switch word {
		case "and", "or":
			// If we already have started building a primitive, return the started one.
			// Else return a joiner.
			if e.current != startCount {
				return p
			}
			j := and(word == "and")
			e.current++
			return &j
		case "not":
			// "not" after the primitive started belongs to the next one
			if e.current != startCount && !p.onlyNegated() {
				return p
			}
			p.negator = !p.negator
			e.current++
			continue words
		case "gateway":
			p.unsupported = word
			e.current++
			continue words
		case "proto":
			// the next word is the sub-protocol
			if len(e.split) <= e.current+1 {
				e.current++
				continue words
			}
			// we will accept the protocol as "name" or "\name", because some get escaped
			protoName := strings.TrimLeft(e.split[e.current+1], "\\")
			if sub, ok := subProtocols[protoName]; ok {
				p.subProtocol = sub
			} else {
				p.subProtocol = filterSubProtocolUnknown
				p.id = protoName
			}
			// we got the next word, so indicate not to parse it
			e.current += 2
			continue words
		case "src":
			// handle the "src or dst"/"src and dst" case
			if len(e.split) > e.current+2 && (e.split[e.current+1] == "or" || e.split[e.current+1] == "and") && e.split[e.current+2] == "dst" {
				word = strings.Join(e.split[e.current:e.current+3], " ")
				e.current += 2
			}
		}
		// it must be a primitive word, so find it
		if kind, ok := kinds[word]; ok {
			p.kind = kind
		} else if direction, ok := directions[word]; ok {
			p.direction = direction
		} else if protocol, ok := protocols[word]; ok {
			p.protocol = protocol
		} else if subprotocol, ok := subProtocols[word]; ok {
			p.subProtocol = subprotocol
		} else if p.id == "" {
			p.id = word
		} else {
			// a second id starts a new primitive, which Compile reports as a missing joiner
			return p
		}
		e.current++
	}

	return p
}

// setPrimitiveDefaults set defaults on expressions
func setPrimitiveDefaults(p, lastPrimitive *primitive) {
	// if nothing was set, do not try to fix it
	if p.direction == filterDirectionUnset && p.protocol == filterProtocolUnset && p.kind == filterKindUnset && p.subProtocol == filterSubProtocolUnset {
		if lastPrimitive == nil || lastPrimitive.kind == filterKindUnset {
			p.kind = filterKindHost
			p.direction = filterDirectionSrcOrDst
			return
		}

		// we only copy over the previous ones if everything else is identical, per the manpage:
		/*
			To save typing, identical qualifier lists can be omitted. E.g., `tcp dst port ftp or ftp-data or domain' is exactly the same as `tcp dst port ftp or tcp dst port ftp-data or tcp dst port domain'
		*/
		p.direction = lastPrimitive.direction
		p.kind = lastPrimitive.kind
		p.protocol = lastPrimitive.protocol
		p.subProtocol = lastPrimitive.subProtocol
	}

	if p.kind == filterKindUnset && p.direction != filterDirectionUnset && p.subProtocol == filterSubProtocolUnset {
		p.kind = filterKindHost
	}
	if p.kind == filterKindUnset && p.protocol == filterProtocolUnset && p.subProtocol == filterSubProtocolUnset && p.id != "" {
		p.kind = filterKindHost
	}
	if p.direction == filterDirectionUnset && p.kind != filterKindUnset {
		p.direction = filterDirectionSrcOrDst
	}
}
