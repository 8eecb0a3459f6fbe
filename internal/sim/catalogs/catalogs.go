package catalogs

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed structure.schema.json
var structureSchemaJSON string

const structureSchemaURL = "https://estateplanner.dev/schemas/structure.schema.json"

var structureSchema = jsonschema.MustCompileString(structureSchemaURL, structureSchemaJSON)

type Catalogs struct {
	Structures StructureCatalog
}

// StructureDef is a placeable structure. Presentation fields (icon, color,
// description) are accepted in the files but not kept here.
type StructureDef struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Category    string             `json:"category"`
	Footprint   int                `json:"footprint"`
	Cost        int64              `json:"cost"`
	Production  map[string]float64 `json:"production,omitempty"`
	Consumption map[string]float64 `json:"consumption,omitempty"`
	Storage     map[string]float64 `json:"storage,omitempty"`
}

type StructureCatalog struct {
	// Order is file order for base definitions, then override-only ids in
	// the order they were added.
	Order  []string
	ByID   map[string]StructureDef
	Digest string

	// Overridden holds the ids whose definition came from an override.
	Overridden map[string]bool
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs
	if err := loadStructures(filepath.Join(configDir, "structures.json"), &c.Structures); err != nil {
		return nil, err
	}
	return &c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadStructures(path string, out *StructureCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	c, err := ParseStructures(raw)
	if err != nil {
		return fmt.Errorf("structures.json: %w", err)
	}
	*out = *c
	return nil
}

// ParseStructures validates every entry of a JSON array against the
// structure schema and builds the catalog.
func ParseStructures(raw []byte) (*StructureCatalog, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	out := &StructureCatalog{
		ByID:       map[string]StructureDef{},
		Digest:     sha256Hex(raw),
		Overridden: map[string]bool{},
	}
	for i, e := range entries {
		def, err := ParseDefinition(e)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if _, dup := out.ByID[def.ID]; dup {
			return nil, fmt.Errorf("entry %d: duplicate id %q", i, def.ID)
		}
		out.ByID[def.ID] = def
		out.Order = append(out.Order, def.ID)
	}
	return out, nil
}

// ParseDefinition validates one raw structure document.
func ParseDefinition(raw []byte) (StructureDef, error) {
	var def StructureDef
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return def, err
	}
	if err := structureSchema.Validate(doc); err != nil {
		return def, err
	}
	if err := json.Unmarshal(raw, &def); err != nil {
		return def, err
	}
	def.Production = dropZero(def.Production)
	def.Consumption = dropZero(def.Consumption)
	def.Storage = dropZero(def.Storage)
	return def, nil
}

func (c *StructureCatalog) Lookup(id string) (StructureDef, bool) {
	if c == nil {
		return StructureDef{}, false
	}
	d, ok := c.ByID[strings.TrimSpace(id)]
	return d, ok
}

func (c *StructureCatalog) List() []StructureDef {
	if c == nil {
		return nil
	}
	out := make([]StructureDef, 0, len(c.Order))
	for _, id := range c.Order {
		out = append(out, c.ByID[id])
	}
	return out
}

// WithOverrides returns a copy of c with the raw override documents merged
// in: an override replaces the base definition with the same id, new ids are
// appended. The receiver is not modified.
func (c *StructureCatalog) WithOverrides(overrides []json.RawMessage) (*StructureCatalog, error) {
	out := &StructureCatalog{
		Order:      append([]string(nil), c.Order...),
		ByID:       make(map[string]StructureDef, len(c.ByID)+len(overrides)),
		Overridden: map[string]bool{},
	}
	for id, d := range c.ByID {
		out.ByID[id] = d
	}
	var concat bytes.Buffer
	concat.WriteString(c.Digest)
	for i, raw := range overrides {
		def, err := ParseDefinition(raw)
		if err != nil {
			return nil, fmt.Errorf("override %d: %w", i, err)
		}
		if _, ok := out.ByID[def.ID]; !ok {
			out.Order = append(out.Order, def.ID)
		}
		out.ByID[def.ID] = def
		out.Overridden[def.ID] = true
		concat.WriteByte('\n')
		concat.Write(raw)
	}
	if len(overrides) == 0 {
		out.Digest = c.Digest
	} else {
		out.Digest = sha256Hex(concat.Bytes())
	}
	return out, nil
}

// Categories lists distinct categories in first-seen order.
func (c *StructureCatalog) Categories() []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range c.List() {
		if seen[d.Category] {
			continue
		}
		seen[d.Category] = true
		out = append(out, d.Category)
	}
	return out
}

// ResourceKinds lists every kind mentioned by any definition, sorted.
func (c *StructureCatalog) ResourceKinds() []string {
	seen := map[string]bool{}
	for _, d := range c.ByID {
		for _, m := range []map[string]float64{d.Production, d.Consumption, d.Storage} {
			for k := range m {
				seen[k] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func dropZero(m map[string]float64) map[string]float64 {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		if v != 0 {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
