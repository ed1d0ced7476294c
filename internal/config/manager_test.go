package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeBundle(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadDefaultsWhenDirEmpty(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	if err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap := m.Current()
	if snap.System.PipelineTimeout != 120 {
		t.Fatalf("system defaults missing: %+v", snap.System)
	}
	if snap.Pipeline.AI.Runner != "local-agent" {
		t.Fatalf("pipeline defaults missing: %+v", snap.Pipeline.AI)
	}
	if len(snap.Command.Prefix) == 0 {
		t.Fatalf("command defaults missing")
	}
}

func TestLoadJSONBundle(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "system.json", `{
		"pipeline-timeout": 30,
		"session-concurrency": {"default": 4, "overrides": {"person_1": 9}}
	}`)

	m := NewManager(dir, nil)
	if err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sys := m.Current().System
	if sys.PipelineTimeout != 30 {
		t.Fatalf("file value not applied: %d", sys.PipelineTimeout)
	}
	if sys.SessionConcurrency.Overrides["person_1"] != 9 {
		t.Fatalf("nested override lost: %+v", sys.SessionConcurrency)
	}
	// Untouched fields keep their defaults.
	if sys.LLMTimeout != 120 {
		t.Fatalf("defaults clobbered: %d", sys.LLMTimeout)
	}
}

func TestLoadYAMLBundleWithEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")
	writeBundle(t, dir, "provider.yaml", `
keys:
  openai-chat-completions:
    - ${TEST_OPENAI_KEY}
models:
  - name: gpt-4o
    requester: openai-chat-completions
    tool-call-supported: true
`)

	m := NewManager(dir, nil)
	if err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	prov := m.Current().Provider
	keys := prov.Keys["openai-chat-completions"]
	if len(keys) != 1 || keys[0] != "sk-from-env" {
		t.Fatalf("env expansion failed: %v", keys)
	}
	if len(prov.Models) != 1 || prov.Models[0].Name != "gpt-4o" {
		t.Fatalf("models not decoded: %+v", prov.Models)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "base.json", `{
		"pipeline-timeout": 30,
		"llm-timeout": 45
	}`)
	writeBundle(t, dir, "system.json", `{
		"$include": "base.json",
		"pipeline-timeout": 60
	}`)

	m := NewManager(dir, nil)
	if err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sys := m.Current().System
	if sys.PipelineTimeout != 60 {
		t.Fatalf("including file must win: %d", sys.PipelineTimeout)
	}
	if sys.LLMTimeout != 45 {
		t.Fatalf("included value lost: %d", sys.LLMTimeout)
	}
}

func TestLoadRejectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "system.json", `{"$include": "other.json"}`)
	writeBundle(t, dir, "other.json", `{"$include": "system.json"}`)

	m := NewManager(dir, nil)
	if err := m.Load(); err == nil {
		t.Fatalf("expected include cycle to fail the load")
	}
}

func TestLoadRejectsTypeMismatch(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "system.json", `{"pipeline-timeout": "soon"}`)

	m := NewManager(dir, nil)
	if err := m.Load(); err == nil {
		t.Fatalf("expected schema validation to reject a string timeout")
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "pipeline.json", `{not json`)

	m := NewManager(dir, nil)
	if err := m.Load(); err == nil {
		t.Fatalf("expected malformed json to fail the load")
	}
}

func TestUpdateBundleSwapsSnapshot(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	if err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	before := m.Current()

	err := m.UpdateBundle(BundleSystem, map[string]any{"pipeline-timeout": 15})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	after := m.Current()
	if after == before {
		t.Fatalf("snapshot pointer must change on update")
	}
	if after.System.PipelineTimeout != 15 {
		t.Fatalf("update not applied: %d", after.System.PipelineTimeout)
	}
	// Other bundles are carried over untouched.
	if after.Pipeline != before.Pipeline {
		t.Fatalf("unrelated bundles must be shared")
	}

	if err := m.UpdateBundle(BundleSystem, map[string]any{"pipeline-timeout": "x"}); err == nil {
		t.Fatalf("invalid update must be rejected")
	}
	if m.Current().System.PipelineTimeout != 15 {
		t.Fatalf("rejected update must not change the snapshot")
	}

	if err := m.UpdateBundle("nonsense", map[string]any{}); err == nil {
		t.Fatalf("unknown bundle must be rejected")
	}
}

func TestBundleSchemaGeneration(t *testing.T) {
	for _, bundle := range []string{BundleCommand, BundlePipeline, BundlePlatform, BundleProvider, BundleSystem} {
		doc, err := BundleSchema(bundle)
		if err != nil {
			t.Fatalf("schema %s: %v", bundle, err)
		}
		if len(doc) == 0 {
			t.Fatalf("schema %s is empty", bundle)
		}
	}
	if _, err := BundleSchema("nonsense"); err == nil {
		t.Fatalf("unknown bundle must fail")
	}
}
