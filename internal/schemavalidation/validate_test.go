package schemavalidation

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"tweakengine/internal/definition"
	"tweakengine/internal/validation"
)

// TestExampleTweaks checks every shipped example against the schema file on
// disk and then through the full loader, so the two cannot drift apart.
func TestExampleTweaks(t *testing.T) {
	root := repoRoot(t)
	schemaPath := filepath.Join(root, "internal", "definition", "schema", "tweak-v1.schema.json")

	paths, err := filepath.Glob(filepath.Join(root, "examples", "tweaks", "*"))
	if err != nil {
		t.Fatalf("glob examples: %v", err)
	}
	if len(paths) == 0 {
		t.Fatal("no example tweaks found")
	}

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			validateInstance(t, schemaPath, path)

			def, err := definition.Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if err := validation.ValidateDefinition(def); err != nil {
				t.Fatalf("validate: %v", err)
			}
		})
	}
}

func validateInstance(t *testing.T, schemaPath, instancePath string) {
	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}

	instanceData, err := os.ReadFile(instancePath)
	if err != nil {
		t.Fatalf("read instance: %v", err)
	}

	var instance any
	switch strings.ToLower(filepath.Ext(instancePath)) {
	case ".yaml", ".yml":
		// Round-trip through JSON so the validator sees JSON types.
		var doc any
		if err := yaml.Unmarshal(instanceData, &doc); err != nil {
			t.Fatalf("unmarshal instance: %v", err)
		}
		if instanceData, err = json.Marshal(doc); err != nil {
			t.Fatalf("normalize instance: %v", err)
		}
	}
	dec := json.NewDecoder(bytes.NewReader(instanceData))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaPath, bytes.NewReader(schemaData)); err != nil {
		t.Fatalf("add schema resource: %v", err)
	}
	schema, err := compiler.Compile(schemaPath)
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}

	if err := schema.Validate(instance); err != nil {
		t.Fatalf("schema validation failed for %s: %v", filepath.Base(instancePath), err)
	}
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("unable to resolve caller path")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}
