package techniques

import (
	"bufio"
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"shapesmith/internal/logging"
	"shapesmith/internal/types"
)

// FileExt is the extension of technique source files.
const FileExt = ".tech"

//go:embed catalog/*.tech
var catalogFS embed.FS

// catalogSchemas declares the parameters each built-in technique understands.
var catalogSchemas = map[string]types.ParamSchema{
	"ring_band": {
		"diameter":    num("inner diameter of the band in mm", 8, 30, 17),
		"thickness":   num("radial wall thickness in mm", 0.8, 4, 1.5),
		"width":       num("band width in mm", 1, 12, 2),
		"comfort_fit": boolean("round the inside edges", false),
	},
	"center_stone": {
		"cut":    enum("stone cut", "round", "round", "princess", "emerald", "oval"),
		"carat":  num("stone weight in carats, used to size the stone", 0.05, 20, 1),
		"size":   num("girdle diameter in mm, overrides carat", 1, 20, nil),
		"height": num("total stone height in mm", 0.5, 15, nil),
	},
	"prong_setting": {
		"count":          integer("number of prongs", 2, 12, 4),
		"prong_diameter": num("prong wire diameter in mm", 0.4, 2, 0.8),
		"height":         num("prong height in mm", 1, 10, 3),
		"radius":         num("distance of prongs from center in mm", 0.5, 15, nil),
	},
	"bezel_setting": {
		"wall":   num("collar wall thickness in mm", 0.3, 2, 0.6),
		"height": num("collar height in mm", 0.5, 8, 2),
		"radius": num("inner collar radius in mm", 0.5, 15, nil),
	},
	"shank_taper": {
		"length":      num("shank length in mm", 5, 60, 20),
		"start_width": num("width at the head in mm", 0.5, 10, 3),
		"end_width":   num("width at the base in mm", 0.5, 10, 1.5),
		"thickness":   num("shank thickness in mm", 0.5, 5, 1.5),
	},
	"bore_hole": {
		"diameter": num("hole diameter in mm", 0.1, 50, 1),
		"depth":    num("hole depth in mm", 0.1, 100, 5),
	},
	"chamfer_edges": {
		"distance": num("bevel distance in mm", 0.05, 10, 0.5),
	},
	"fillet_edges": {
		"radius": num("rounding radius in mm", 0.05, 10, 0.5),
	},
	"flange_plate": {
		"diameter":      num("plate diameter in mm", 10, 500, 80),
		"thickness":     num("plate thickness in mm", 1, 50, 8),
		"bolt_count":    integer("bolt holes on the bolt circle", 0, 24, 6),
		"bolt_diameter": num("bolt hole diameter in mm", 1, 40, 6),
	},
	"signet_face": {
		"shape":  enum("face outline", "rect", "rect", "oval", "octagon"),
		"width":  num("face width in mm", 4, 30, 12),
		"height": num("face height in mm", 4, 30, 10),
		"depth":  num("table thickness in mm", 0.5, 6, 2),
	},
	"organic_twist": {
		"height": num("column height in mm", 2, 100, 20),
		"radius": num("outer radius in mm", 0.5, 30, 4),
		"lobes":  integer("number of lobes", 3, 12, 5),
		"turns":  num("full turns over the height", 0, 5, 1.5),
	},
	"filigree_vine": {
		"length":    num("stem length in mm", 5, 100, 30),
		"tendrils":  integer("number of tendrils", 1, 16, 6),
		"thickness": num("wire thickness in mm", 0.2, 3, 0.6),
		"curl":      num("tendril curl in degrees", 0, 720, 180),
	},
	"hammered_texture": {
		"depth":   num("dimple depth in mm", 0, 2, 0.3),
		"density": num("dimples per mm", 0.1, 10, 2),
	},
	"sculpt_blob": {
		"size":     num("overall size in mm", 2, 100, 15),
		"lumps":    integer("number of secondary lumps", 0, 12, 4),
		"softness": num("0 is lumpy, 1 is smooth", 0, 1, 0.5),
	},
	"leaf_relief": {
		"length": num("leaf length in mm", 4, 80, 18),
		"width":  num("leaf width in mm", 2, 40, 8),
		"relief": num("relief height in mm", 0.2, 5, 0.8),
		"veins":  integer("number of side veins", 0, 12, 5),
	},
}

func num(desc string, lo, hi float64, def any) types.ParamSpec {
	pmin, pmax := types.Range(lo, hi)
	return types.ParamSpec{Type: types.ParamNumber, Description: desc, Min: pmin, Max: pmax, Default: def}
}

func integer(desc string, lo, hi float64, def any) types.ParamSpec {
	s := num(desc, lo, hi, def)
	s.Type = types.ParamInteger
	return s
}

func enum(desc, def string, values ...string) types.ParamSpec {
	return types.ParamSpec{Type: types.ParamString, Description: desc, Enum: values, Default: def}
}

func boolean(desc string, def bool) types.ParamSpec {
	return types.ParamSpec{Type: types.ParamBoolean, Description: desc, Default: def}
}

// LoadCatalog registers every built-in technique.
func LoadCatalog(r *Registry) error {
	entries, err := fs.ReadDir(catalogFS, "catalog")
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != FileExt {
			continue
		}
		data, err := fs.ReadFile(catalogFS, path.Join("catalog", e.Name()))
		if err != nil {
			return fmt.Errorf("read catalog entry %s: %w", e.Name(), err)
		}
		id := strings.TrimSuffix(e.Name(), FileExt)
		impl, err := ParseTechniqueFile(id, data, types.OriginRegistry)
		if err != nil {
			return err
		}
		if _, err := r.Register(impl); err != nil {
			return fmt.Errorf("register catalog entry %s: %w", id, err)
		}
	}
	logging.Registry("catalog loaded: %d techniques", r.Len())
	return nil
}

// ParseTechniqueFile builds an implementation from a technique file. The file
// opens with comment lines of the form "// key: value" before the package
// clause; "paradigm" is required and "description" is optional. Built-in
// techniques get their schema attached here.
func ParseTechniqueFile(id string, data []byte, origin types.Origin) (*types.TechniqueImplementation, error) {
	if id == "" {
		return nil, ErrIDEmpty
	}
	header := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "//") {
			break
		}
		key, value, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "//")), ":")
		if !ok {
			continue
		}
		header[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadHeader, id, err)
	}

	raw, ok := header["paradigm"]
	if !ok {
		return nil, fmt.Errorf("%w: %s: missing paradigm", ErrBadHeader, id)
	}
	paradigm, err := types.ParseParadigm(raw)
	if err != nil || !paradigm.Concrete() {
		return nil, fmt.Errorf("%w: %s: paradigm %q", ErrBadHeader, id, raw)
	}

	impl := types.NewImplementation(id, paradigm, origin, string(data))
	impl.Description = header["description"]
	if schema, ok := catalogSchemas[id]; ok {
		impl.Schema = schema
	}
	return impl, nil
}

// PlaceholderSource is the stand-in used when synthesis is abandoned and
// placeholder substitution is enabled. It emits a unit box on the target.
const PlaceholderSource = `package technique

import "geom"

func Build(b *geom.Builder, p geom.Params) error {
	s := b.Box(1, 1, 1)
	if b.HasTarget() {
		s = b.Attach(s, "top")
	}
	b.Emit(s)
	return nil
}
`

// Placeholder returns a placeholder implementation standing in for id.
func Placeholder(id string, paradigm types.Paradigm) *types.TechniqueImplementation {
	return types.NewImplementation(id, paradigm, types.OriginPlaceholder, PlaceholderSource)
}
