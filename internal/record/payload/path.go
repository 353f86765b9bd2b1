package payload

import (
	"fmt"
	"strconv"
	"strings"
)

// Path is a compiled field path such as "itens[0].valor" or "fornecedor.documento".
// Numeric dotted segments ("itens.0.valor") index lists as well.
type Path struct {
	raw      string
	segments []segment
}

type segment struct {
	key   string
	index int
	isIdx bool
}

// CompilePath validates and splits a field path.
func CompilePath(raw string) (Path, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Path{}, fmt.Errorf("field path is empty")
	}
	var segs []segment
	for _, part := range strings.Split(raw, ".") {
		if part == "" {
			return Path{}, fmt.Errorf("field path %q has an empty segment", raw)
		}
		name := part
		var indexes []int
		if open := strings.IndexByte(part, '['); open >= 0 {
			name = part[:open]
			rest := part[open:]
			for rest != "" {
				if rest[0] != '[' {
					return Path{}, fmt.Errorf("field path %q: unexpected %q", raw, rest)
				}
				end := strings.IndexByte(rest, ']')
				if end < 0 {
					return Path{}, fmt.Errorf("field path %q: unclosed bracket", raw)
				}
				n, err := strconv.Atoi(rest[1:end])
				if err != nil || n < 0 {
					return Path{}, fmt.Errorf("field path %q: invalid index %q", raw, rest[1:end])
				}
				indexes = append(indexes, n)
				rest = rest[end+1:]
			}
		}
		if name != "" {
			if n, err := strconv.Atoi(name); err == nil && n >= 0 && len(segs) > 0 {
				segs = append(segs, segment{index: n, isIdx: true, key: name})
			} else {
				segs = append(segs, segment{key: name})
			}
		} else if len(indexes) == 0 {
			return Path{}, fmt.Errorf("field path %q has an empty segment", raw)
		}
		for _, n := range indexes {
			segs = append(segs, segment{index: n, isIdx: true})
		}
	}
	return Path{raw: raw, segments: segs}, nil
}

// MustCompilePath panics on an invalid path. For tests and constants.
func MustCompilePath(raw string) Path {
	p, err := CompilePath(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string { return p.raw }

// Resolve walks the path. The second result is false when any segment is absent.
// A numeric dotted segment falls back to a map key of the same text.
func (p Path) Resolve(root Value) (Value, bool) {
	cur := root
	for _, seg := range p.segments {
		switch {
		case seg.isIdx && cur.Kind() == KindList:
			next, ok := cur.Index(seg.index)
			if !ok {
				return Value{}, false
			}
			cur = next
		case seg.isIdx && seg.key != "" && cur.Kind() == KindMap:
			next, ok := cur.Field(seg.key)
			if !ok {
				return Value{}, false
			}
			cur = next
		case !seg.isIdx:
			next, ok := cur.Field(seg.key)
			if !ok {
				return Value{}, false
			}
			cur = next
		default:
			return Value{}, false
		}
	}
	return cur, true
}

// Lookup compiles and resolves in one step.
func Lookup(root Value, raw string) (Value, bool) {
	p, err := CompilePath(raw)
	if err != nil {
		return Value{}, false
	}
	return p.Resolve(root)
}
