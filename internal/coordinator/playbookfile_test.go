package coordinator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	playbook "github.com/parchmint/playbook-engine"
)

const samplePlaybookYAML = `
id: pb-expense
name: Expense Review
description: Summarize and total an expense report.
nodes:
  - id: summary
    name: Summarize Report
    tool_type: summarize
    output_variable: report_summary
    execution_order: 1
    configuration:
      style: brief
      max_length: 200
  - id: totals
    name: Total Amounts
    tool_type: calculate
    output_variable: report_totals
    execution_order: 2
    depends_on: [summary]
    configuration:
      base_currency: USD
  - id: legacy
    name: Old Step
    tool_type: classify
    execution_order: 3
    disabled: true
`

func writePlaybookFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "playbook.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing playbook file: %v", err)
	}
	return path
}

func TestLoadAndValidatePlaybook(t *testing.T) {
	path := writePlaybookFile(t, samplePlaybookYAML)

	pb, err := LoadAndValidatePlaybook(path)
	if err != nil {
		t.Fatalf("LoadAndValidatePlaybook failed: %v", err)
	}

	if pb.ID != "pb-expense" || pb.Name != "Expense Review" {
		t.Errorf("playbook identity = %s/%s", pb.ID, pb.Name)
	}
	if len(pb.Nodes) != 3 {
		t.Fatalf("node count = %d, want 3", len(pb.Nodes))
	}

	totals := pb.Nodes[1]
	if totals.ID != "totals" || totals.ToolType != "calculate" {
		t.Errorf("second node = %+v", totals)
	}
	if len(totals.DependsOn) != 1 || totals.DependsOn[0] != "summary" {
		t.Errorf("totals.DependsOn = %v", totals.DependsOn)
	}

	// disabled nodes load as inactive
	if pb.Nodes[2].IsActive {
		t.Error("disabled node loaded as active")
	}
	if !pb.Nodes[0].IsActive {
		t.Error("enabled node loaded as inactive")
	}

	// configuration survives as JSON for handler config decoding
	var cfg struct {
		Style     string `json:"style"`
		MaxLength int    `json:"max_length"`
	}
	if err := json.Unmarshal(pb.Nodes[0].Configuration, &cfg); err != nil {
		t.Fatalf("decoding node configuration: %v", err)
	}
	if cfg.Style != "brief" || cfg.MaxLength != 200 {
		t.Errorf("configuration = %+v", cfg)
	}
}

func TestValidateRejectsDuplicateNodeIDs(t *testing.T) {
	pf := &PlaybookFile{Nodes: []PlaybookNode{
		{ID: "a", ToolType: "summarize"},
		{ID: "a", ToolType: "classify"},
	}}

	err := pf.Validate()
	if err == nil {
		t.Fatal("Validate accepted duplicate node ids")
	}
	if !playbook.HasCode(err, playbook.ErrCodeValidation) {
		t.Errorf("error = %v, want validation error", err)
	}
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	pf := &PlaybookFile{Nodes: []PlaybookNode{
		{ID: "a", ToolType: "summarize", DependsOn: []string{"ghost"}},
	}}

	if err := pf.Validate(); err == nil {
		t.Fatal("Validate accepted a reference to an unknown node")
	}
}

func TestValidateRejectsEmptyPlaybook(t *testing.T) {
	pf := &PlaybookFile{}

	if err := pf.Validate(); err == nil {
		t.Fatal("Validate accepted an empty playbook")
	}
}

func TestValidateRejectsMissingToolType(t *testing.T) {
	pf := &PlaybookFile{Nodes: []PlaybookNode{{ID: "a"}}}

	if err := pf.Validate(); err == nil {
		t.Fatal("Validate accepted a node without a tool type")
	}
}

func TestLoaderRegistryResolvesYAML(t *testing.T) {
	loader, ok := GetPlaybookLoader("yaml")
	if !ok {
		t.Fatal("yaml loader not registered")
	}
	if loader.Format() != "yaml" {
		t.Errorf("format = %s", loader.Format())
	}
}

func TestLoadPlaybookFileMissingPath(t *testing.T) {
	if _, err := LoadPlaybookFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
