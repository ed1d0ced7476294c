package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	invopop "github.com/invopop/jsonschema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemaOnce     sync.Once
	schemaCompiled map[string]*jsonschema.Schema
	schemaErr      error
)

// bundlePrototypes maps bundle names to their struct shapes.
func bundlePrototypes() map[string]any {
	return map[string]any{
		BundleCommand:  &CommandConfig{},
		BundlePipeline: &PipelineConfig{},
		BundlePlatform: &PlatformConfig{},
		BundleProvider: &ProviderConfig{},
		BundleSystem:   &SystemConfig{},
	}
}

// BundleSchema returns the generated JSON Schema document for a bundle.
func BundleSchema(bundle string) ([]byte, error) {
	proto, ok := bundlePrototypes()[bundle]
	if !ok {
		return nil, fmt.Errorf("unknown config bundle %q", bundle)
	}
	r := &invopop.Reflector{
		FieldNameTag:               "json",
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}
	schema := r.Reflect(proto)
	return json.MarshalIndent(schema, "", "  ")
}

func compiledSchemas() (map[string]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schemaCompiled = make(map[string]*jsonschema.Schema)
		for bundle := range bundlePrototypes() {
			doc, err := BundleSchema(bundle)
			if err != nil {
				schemaErr = err
				return
			}
			compiler := jsonschema.NewCompiler()
			url := "langbot://schemas/" + bundle + ".json"
			if err := compiler.AddResource(url, bytes.NewReader(doc)); err != nil {
				schemaErr = fmt.Errorf("schema %s: %w", bundle, err)
				return
			}
			compiled, err := compiler.Compile(url)
			if err != nil {
				schemaErr = fmt.Errorf("schema %s: %w", bundle, err)
				return
			}
			schemaCompiled[bundle] = compiled
		}
	})
	return schemaCompiled, schemaErr
}

// ValidateBundle checks a raw bundle document against its schema.
func ValidateBundle(bundle string, raw map[string]any) error {
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[bundle]
	if !ok {
		return fmt.Errorf("unknown config bundle %q", bundle)
	}
	// The validator wants plain decoded JSON values.
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("config %s: %w", bundle, err)
	}
	return nil
}
