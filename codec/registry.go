package codec

import (
	"fmt"
	"strings"
)

// Kind identifies the codec a footer belongs to.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindFalse
	KindTrue
	KindEmptyArray
	KindNumber
	KindDate
	KindString
	KindBigInt
	KindWord
	KindTypedArray
	KindTreeNode
	KindArray
	KindObject
	KindMap
	KindSet
	KindCommit
	KindOpaque
	numKinds
)

const (
	// MaxAddressWidth is the widest address encoding in bytes
	MaxAddressWidth = 4
	// WordBytes is the granularity at which byte blobs are deduplicated
	WordBytes = 4
)

// codecDef declares a codec and the cardinality of each of its sub-version
// components. The order of codecDefs fixes every footer byte, it must be
// identical for all participants and may only ever be extended at the end.
type codecDef struct {
	kind   Kind
	name   string
	subs   []int
	opaque bool
}

var codecDefs = []codecDef{
	{kind: KindUndefined, name: "undefined"},
	{kind: KindNull, name: "null"},
	{kind: KindFalse, name: "false"},
	{kind: KindTrue, name: "true"},
	{kind: KindEmptyArray, name: "empty array"},
	{kind: KindNumber, name: "number"},
	{kind: KindDate, name: "date"},
	{kind: KindString, name: "string", subs: []int{MaxAddressWidth}},
	{kind: KindBigInt, name: "bigint", subs: []int{MaxAddressWidth, 2}},
	{kind: KindWord, name: "word", subs: []int{WordBytes + 1}},
	{kind: KindTypedArray, name: "typed array", subs: []int{int(numElementKinds), MaxAddressWidth}},
	{kind: KindTreeNode, name: "tree node", subs: []int{MaxAddressWidth, MaxAddressWidth}},
	{kind: KindArray, name: "array", subs: []int{MaxAddressWidth}},
	{kind: KindObject, name: "object", subs: []int{MaxAddressWidth, 2}},
	{kind: KindMap, name: "map", subs: []int{MaxAddressWidth}},
	{kind: KindSet, name: "set", subs: []int{MaxAddressWidth}},
	{kind: KindCommit, name: "commit", subs: []int{MaxAddressWidth}, opaque: true},
	{kind: KindOpaque, name: "opaque", subs: []int{MaxAddressWidth}, opaque: true},
}

// Version is one concrete combination of a codec and its sub-versions. Each
// Version owns exactly one footer byte.
//
// Sub-version components that select an address (or length) width hold
// width-1, so a 1 byte width is 0.
type Version struct {
	Footer byte
	Kind   Kind
	Name   string
	Sub    []int
	Opaque bool
}

func (v Version) String() string {
	parts := make([]string, len(v.Sub))
	for i, s := range v.Sub {
		parts[i] = fmt.Sprint(s)
	}
	return fmt.Sprintf("%s(%s)#%d", v.Name, strings.Join(parts, ","), v.Footer)
}

type registry struct {
	versions []Version
	base     [numKinds]int
	subs     [numKinds][]int
}

var table = mustBuildRegistry(codecDefs)

func mustBuildRegistry(defs []codecDef) *registry {
	r, err := buildRegistry(defs)
	if err != nil {
		panic(err)
	}
	return r
}

func buildRegistry(defs []codecDef) (*registry, error) {
	r := &registry{}
	for _, def := range defs {
		r.base[def.kind] = len(r.versions)
		r.subs[def.kind] = def.subs

		count := 1
		for _, c := range def.subs {
			count *= c
		}
		if len(r.versions)+count > 256 {
			return nil, fmt.Errorf("%w: %s needs %d more", ErrRegistryFull, def.name, len(r.versions)+count-256)
		}
		for i := range count {
			sub := make([]int, len(def.subs))
			// mixed radix, the first component is the most significant
			rem := i
			for j := len(def.subs) - 1; j >= 0; j-- {
				sub[j] = rem % def.subs[j]
				rem /= def.subs[j]
			}
			r.versions = append(r.versions, Version{
				Footer: byte(len(r.versions)),
				Kind:   def.kind,
				Name:   def.name,
				Sub:    sub,
				Opaque: def.opaque,
			})
		}
	}
	return r, nil
}

// VersionCount returns the number of footers in use
func VersionCount() int { return len(table.versions) }

// VersionOf returns the codec version for a footer byte
func VersionOf(footer byte) (Version, error) {
	if int(footer) >= len(table.versions) {
		return Version{}, fmt.Errorf("%w: %d", ErrUnknownFooter, footer)
	}
	return table.versions[footer], nil
}

// FooterFor returns the footer for a kind and its sub-version components.
func FooterFor(kind Kind, sub ...int) byte {
	subs := table.subs[kind]
	if len(sub) != len(subs) {
		panic(fmt.Sprintf("codec: kind %d takes %d sub-versions, got %d", kind, len(subs), len(sub)))
	}
	i := 0
	for j, s := range sub {
		if s < 0 || s >= subs[j] {
			panic(fmt.Sprintf("codec: sub-version %d of kind %d out of range: %d", j, kind, s))
		}
		i = i*subs[j] + s
	}
	return byte(table.base[kind] + i)
}
