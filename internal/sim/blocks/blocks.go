package blocks

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ID is a palette index. Zero is always air.
type ID uint16

const (
	Air ID = iota
	Stone
	Dirt
	GrassBlock
	Sand
	Gravel
	OakLog
	OakPlanks
	Water
	Bedrock
)

type Def struct {
	ID        string `json:"id"`
	Solid     bool   `json:"solid"`
	Breakable bool   `json:"breakable"`
}

type Palette struct {
	Defs   []Def
	Index  map[string]ID
	Digest string
}

var defs = []Def{
	Air:        {ID: "AIR"},
	Stone:      {ID: "STONE", Solid: true, Breakable: true},
	Dirt:       {ID: "DIRT", Solid: true, Breakable: true},
	GrassBlock: {ID: "GRASS_BLOCK", Solid: true, Breakable: true},
	Sand:       {ID: "SAND", Solid: true, Breakable: true},
	Gravel:     {ID: "GRAVEL", Solid: true, Breakable: true},
	OakLog:     {ID: "OAK_LOG", Solid: true, Breakable: true},
	OakPlanks:  {ID: "OAK_PLANKS", Solid: true, Breakable: true},
	Water:      {ID: "WATER", Breakable: false},
	Bedrock:    {ID: "BEDROCK", Solid: true},
}

// Default is the built-in palette. It is immutable after init.
var Default = newPalette(defs)

func newPalette(defs []Def) *Palette {
	p := &Palette{
		Defs:  defs,
		Index: make(map[string]ID, len(defs)),
	}
	for i, d := range defs {
		p.Index[d.ID] = ID(i)
	}
	raw, _ := json.Marshal(defs)
	sum := sha256.Sum256(raw)
	p.Digest = hex.EncodeToString(sum[:])
	return p
}

func (p *Palette) Valid(id ID) bool { return int(id) < len(p.Defs) }

func (p *Palette) Solid(id ID) bool {
	return p.Valid(id) && p.Defs[id].Solid
}

func (p *Palette) Breakable(id ID) bool {
	return p.Valid(id) && p.Defs[id].Breakable
}

func (p *Palette) Name(id ID) string {
	if !p.Valid(id) {
		return fmt.Sprintf("UNKNOWN_%d", id)
	}
	return p.Defs[id].ID
}

// Lookup resolves a block name such as "GRASS_BLOCK".
func (p *Palette) Lookup(name string) (ID, bool) {
	id, ok := p.Index[name]
	return id, ok
}
