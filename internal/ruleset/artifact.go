package ruleset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/crypto/blake2b"

	"keymapd/internal/keycode"
)

// Artifact is the on-disk JSON form of a compiled rule set, as produced by
// the compiler front end. The engine side only ever decodes it; the schema
// below is the load-boundary contract between the two.
type Artifact struct {
	Version  int             `json:"version"`
	Device   string          `json:"device"`
	Mappings []ArtifactEntry `json:"mappings"`
	Layers   []ArtifactLayer `json:"layers,omitempty"`
	Metadata ArtifactMeta    `json:"metadata,omitempty"`
}

// ArtifactEntry is one mapping line in an artifact table.
type ArtifactEntry struct {
	Type        string `json:"type"`
	From        string `json:"from"`
	To          string `json:"to,omitempty"`
	Tap         string `json:"tap,omitempty"`
	Layer       *uint8 `json:"layer,omitempty"`
	ThresholdMs int    `json:"threshold_ms,omitempty"`
}

// ArtifactLayer is one layer override table in an artifact.
type ArtifactLayer struct {
	ID       uint8           `json:"id"`
	Mappings []ArtifactEntry `json:"mappings"`
}

// ArtifactMeta carries compiler provenance. Informational only.
type ArtifactMeta struct {
	CompilerVersion string `json:"compiler_version,omitempty"`
	SourceHash      string `json:"source_hash,omitempty"`
	CompiledAt      int64  `json:"compiled_at,omitempty"`
}

// ArtifactVersion is the artifact format version this loader understands.
const ArtifactVersion = 1

// DefaultTapHoldThreshold applies when an artifact omits threshold_ms.
const DefaultTapHoldThreshold = 200 * time.Millisecond

// artifactSchema is the JSON Schema every artifact must satisfy before any
// semantic validation runs. Structural problems are reported with schema
// paths; semantic problems (unknown keys, undefined layers, cycles) are
// reported by Decode/Validate afterward.
const artifactSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "device", "mappings"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "device": {"type": "string", "minLength": 1},
    "mappings": {"type": "array", "items": {"$ref": "#/$defs/entry"}},
    "layers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "mappings"],
        "properties": {
          "id": {"type": "integer", "minimum": 0, "maximum": 254},
          "mappings": {"type": "array", "items": {"$ref": "#/$defs/entry"}}
        }
      }
    },
    "metadata": {"type": "object"}
  },
  "$defs": {
    "entry": {
      "type": "object",
      "required": ["type", "from"],
      "properties": {
        "type": {"enum": ["simple", "tap_hold", "layer_hold", "layer_toggle"]},
        "from": {"type": "string", "minLength": 1},
        "to": {"type": "string"},
        "tap": {"type": "string"},
        "layer": {"type": "integer", "minimum": 0, "maximum": 254},
        "threshold_ms": {"type": "integer", "minimum": 1, "maximum": 65535}
      }
    }
  }
}`

var compiledSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("artifact.schema.json", bytes.NewReader([]byte(artifactSchema))); err != nil {
		panic(fmt.Sprintf("ruleset: add embedded schema: %v", err))
	}
	s, err := c.Compile("artifact.schema.json")
	if err != nil {
		panic(fmt.Sprintf("ruleset: compile embedded schema: %v", err))
	}
	return s
}()

// Digest is the BLAKE2b-256 digest of a raw artifact, used by the profile
// store to detect changed artifacts and by activation logging.
type Digest [32]byte

// String returns the digest as lowercase hex.
func (d Digest) String() string { return fmt.Sprintf("%x", d[:]) }

// Load reads, schema-validates, decodes, and semantically validates an
// artifact file, returning a RuleSet ready for activation.
//
// Load performs file I/O and must never be called from the dispatch path;
// the profile manager runs it on its own goroutine and only publishes the
// finished RuleSet reference.
func Load(path string) (*RuleSet, Digest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, Digest{}, fmt.Errorf("read artifact: %w", err)
	}
	return Parse(raw)
}

// Parse validates and decodes a raw artifact.
func Parse(raw []byte) (*RuleSet, Digest, error) {
	digest := Digest(blake2b.Sum256(raw))

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, digest, fmt.Errorf("parse artifact: %w", err)
	}
	if err := compiledSchema.Validate(instance); err != nil {
		return nil, digest, fmt.Errorf("artifact schema: %w", err)
	}

	var art Artifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, digest, fmt.Errorf("decode artifact: %w", err)
	}
	rs, err := art.Decode()
	if err != nil {
		return nil, digest, err
	}
	return rs, digest, nil
}

// Decode converts the artifact into a validated RuleSet.
func (a *Artifact) Decode() (*RuleSet, error) {
	if a.Version != ArtifactVersion {
		return nil, fmt.Errorf("unsupported artifact version %d (want %d)", a.Version, ArtifactVersion)
	}

	rs := &RuleSet{
		DevicePattern: a.Device,
		Base:          make(Table, len(a.Mappings)),
		Layers:        make(map[keycode.LayerID]Table, len(a.Layers)),
	}

	if err := decodeEntries("base", a.Mappings, rs.Base); err != nil {
		return nil, err
	}
	for _, layer := range a.Layers {
		id := keycode.LayerID(layer.ID)
		if _, dup := rs.Layers[id]; dup {
			return nil, &ValidationError{
				Table:  fmt.Sprintf("layer %d", id),
				Reason: "layer defined twice",
			}
		}
		table := make(Table, len(layer.Mappings))
		if err := decodeEntries(fmt.Sprintf("layer %d", id), layer.Mappings, table); err != nil {
			return nil, err
		}
		rs.Layers[id] = table
	}

	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return rs, nil
}

// decodeEntries fills a table from artifact entries, rejecting duplicate
// bindings for the same source key.
func decodeEntries(tableName string, entries []ArtifactEntry, table Table) error {
	for _, e := range entries {
		from, ok := keycode.FromName(e.From)
		if !ok {
			return &ValidationError{Table: tableName, Reason: fmt.Sprintf("unknown key name %q", e.From)}
		}
		if _, dup := table[from]; dup {
			return &ValidationError{Table: tableName, Key: from, Reason: "duplicate binding for source key"}
		}
		m, err := e.decode(tableName, from)
		if err != nil {
			return err
		}
		table[from] = m
	}
	return nil
}

func (e *ArtifactEntry) decode(tableName string, from keycode.KeyCode) (Mapping, error) {
	requireLayer := func() (keycode.LayerID, error) {
		if e.Layer == nil {
			return 0, &ValidationError{Table: tableName, Key: from, Reason: fmt.Sprintf("%s entry missing layer", e.Type)}
		}
		return keycode.LayerID(*e.Layer), nil
	}

	switch e.Type {
	case "simple":
		to, ok := keycode.FromName(e.To)
		if !ok {
			return Mapping{}, &ValidationError{Table: tableName, Key: from, Reason: fmt.Sprintf("unknown target key %q", e.To)}
		}
		return Mapping{Kind: MapSimple, To: to}, nil

	case "tap_hold":
		tap, ok := keycode.FromName(e.Tap)
		if !ok {
			return Mapping{}, &ValidationError{Table: tableName, Key: from, Reason: fmt.Sprintf("unknown tap key %q", e.Tap)}
		}
		layer, err := requireLayer()
		if err != nil {
			return Mapping{}, err
		}
		threshold := DefaultTapHoldThreshold
		if e.ThresholdMs > 0 {
			threshold = time.Duration(e.ThresholdMs) * time.Millisecond
		}
		return Mapping{Kind: MapTapHold, Tap: tap, Layer: layer, Threshold: threshold}, nil

	case "layer_hold":
		layer, err := requireLayer()
		if err != nil {
			return Mapping{}, err
		}
		return Mapping{Kind: MapLayerHold, Layer: layer}, nil

	case "layer_toggle":
		layer, err := requireLayer()
		if err != nil {
			return Mapping{}, err
		}
		return Mapping{Kind: MapLayerToggle, Layer: layer}, nil

	default:
		return Mapping{}, &ValidationError{Table: tableName, Key: from, Reason: fmt.Sprintf("unknown mapping type %q", e.Type)}
	}
}
