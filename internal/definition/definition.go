// Package definition loads tweak definition files.
//
// Definitions are YAML or JSON documents. Both are normalized to canonical
// JSON, checked against the embedded tweak-v1 JSON schema and decoded into a
// Definition whose actions are ready for the executor.
package definition

import (
	"bytes"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"tweakengine/internal/action"
	"tweakengine/internal/tweakerr"
	"tweakengine/internal/tweakid"
)

// SchemaVersion is the definition format this engine understands.
const SchemaVersion = 1

const schemaURL = "https://tweakengine.local/schema/tweak-v1.schema.json"

//go:embed schema/tweak-v1.schema.json
var schemaJSON []byte

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(schemaURL)
})

// Risk is the declared risk level.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Scope tags the subsystems a tweak touches.
type Scope string

const (
	ScopeRegistry   Scope = "registry"
	ScopeService    Scope = "service"
	ScopePower      Scope = "power"
	ScopeBoot       Scope = "boot"
	ScopeFilesystem Scope = "filesystem"
	ScopeNetwork    Scope = "network"
)

// Scopes lists every valid scope.
var Scopes = []Scope{ScopeRegistry, ScopeService, ScopePower, ScopeBoot, ScopeFilesystem, ScopeNetwork}

// VerifySemantics says when a tweak's effect can be checked.
type VerifySemantics string

const (
	// VerifyRuntime tweaks are verified in the same invocation.
	VerifyRuntime VerifySemantics = "runtime"
	// VerifyDeferred tweaks only take effect later, typically after a reboot.
	VerifyDeferred VerifySemantics = "deferred"
)

// Definition is a loaded, schema-checked tweak.
type Definition struct {
	SchemaVersion       int
	ID                  tweakid.ID
	Name                string
	Description         string
	Tier                int
	Risk                Risk
	RequiresReboot      bool
	RollbackGuaranteed  bool
	RollbackLimitations string
	Scope               []Scope
	VerifySemantics     VerifySemantics
	VerifyNotes         string
	Apply               []action.Action
	Verify              []action.Action
	ConflictsWith       []tweakid.ID
	Dependencies        []tweakid.ID

	// Source is the canonical JSON the definition was decoded from.
	Source []byte
	// Digest is the hex blake2b-256 of Source.
	Digest string
}

// HasScope reports whether s is among the definition's scopes.
func (d *Definition) HasScope(s Scope) bool {
	return slices.Contains(d.Scope, s)
}

type document struct {
	SchemaVersion       *int     `json:"schema_version"`
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Description         string   `json:"description"`
	Tier                int      `json:"tier"`
	Risk                Risk     `json:"risk_level"`
	RequiresReboot      bool     `json:"requires_reboot"`
	RollbackGuaranteed  bool     `json:"rollback_guaranteed"`
	RollbackLimitations string   `json:"rollback_limitations"`
	Scope               []Scope  `json:"scope"`
	VerifySemantics     string   `json:"verify_semantics"`
	VerifyNotes         string   `json:"verify_notes"`
	ConflictsWith       []string `json:"conflicts_with"`
	Dependencies        []string `json:"dependencies"`
	Actions             struct {
		Apply  []json.RawMessage `json:"apply"`
		Verify []json.RawMessage `json:"verify"`
	} `json:"actions"`
}

// Load reads and parses the definition file at path.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Parse parses a YAML or JSON definition. Every failure is a *tweakerr.ValidationError.
func Parse(data []byte) (*Definition, error) {
	canonical, instance, err := normalize(data)
	if err != nil {
		return nil, err
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, schemaError(err)
	}

	var doc document
	if err := json.Unmarshal(canonical, &doc); err != nil {
		return nil, tweakerr.Validationf("", "decode definition: %v", err)
	}
	return build(&doc, canonical)
}

// normalize turns YAML or JSON text into canonical JSON and the generic
// instance the schema validator expects.
func normalize(data []byte) ([]byte, any, error) {
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, nil, tweakerr.Validationf("", "parse definition: %v", err)
	}
	if _, ok := tree.(map[string]any); !ok {
		return nil, nil, tweakerr.Validationf("", "definition must be a mapping, got %T", tree)
	}

	canonical, err := json.Marshal(tree)
	if err != nil {
		return nil, nil, tweakerr.Validationf("", "normalize definition: %v", err)
	}

	var instance any
	if err := json.Unmarshal(canonical, &instance); err != nil {
		return nil, nil, tweakerr.Validationf("", "normalize definition: %v", err)
	}
	return canonical, instance, nil
}

func schemaError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return tweakerr.Validationf("", "%v", err)
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field := strings.TrimPrefix(ve.InstanceLocation, "/")
	return &tweakerr.ValidationError{Field: strings.ReplaceAll(field, "/", "."), Message: ve.Message}
}

func build(doc *document, canonical []byte) (*Definition, error) {
	version := SchemaVersion
	if doc.SchemaVersion != nil {
		version = *doc.SchemaVersion
	}
	if version != SchemaVersion {
		return nil, tweakerr.Validationf("schema_version", "definition declares v%d, engine requires v%d", version, SchemaVersion)
	}

	id, err := tweakid.Parse(doc.ID)
	if err != nil {
		return nil, tweakerr.Validationf("id", "%v", err)
	}

	def := &Definition{
		SchemaVersion:       version,
		ID:                  id,
		Name:                doc.Name,
		Description:         doc.Description,
		Tier:                doc.Tier,
		Risk:                doc.Risk,
		RequiresReboot:      doc.RequiresReboot,
		RollbackGuaranteed:  doc.RollbackGuaranteed,
		RollbackLimitations: doc.RollbackLimitations,
		Scope:               doc.Scope,
		VerifySemantics:     VerifySemantics(doc.VerifySemantics),
		VerifyNotes:         doc.VerifyNotes,
		Source:              canonical,
	}
	if def.Description == "" {
		def.Description = def.Name
	}
	if def.VerifySemantics == "" {
		def.VerifySemantics = VerifyRuntime
	}

	for i, raw := range doc.Actions.Apply {
		a, err := action.Decode(raw)
		if err != nil {
			return nil, tweakerr.Validationf(fmt.Sprintf("actions.apply.%d", i), "%v", err)
		}
		def.Apply = append(def.Apply, a)
	}
	for i, raw := range doc.Actions.Verify {
		a, err := action.DecodeVerify(raw)
		if err != nil {
			return nil, tweakerr.Validationf(fmt.Sprintf("actions.verify.%d", i), "%v", err)
		}
		def.Verify = append(def.Verify, a)
	}

	if def.ConflictsWith, err = parseIDs("conflicts_with", doc.ConflictsWith); err != nil {
		return nil, err
	}
	if def.Dependencies, err = parseIDs("dependencies", doc.Dependencies); err != nil {
		return nil, err
	}

	sum := blake2b.Sum256(canonical)
	def.Digest = hex.EncodeToString(sum[:])
	return def, nil
}

func parseIDs(field string, raw []string) ([]tweakid.ID, error) {
	ids := make([]tweakid.ID, 0, len(raw))
	for i, s := range raw {
		id, err := tweakid.Parse(s)
		if err != nil {
			return nil, tweakerr.Validationf(fmt.Sprintf("%s.%d", field, i), "%v", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
