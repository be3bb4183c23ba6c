package coordinator

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	playbook "github.com/parchmint/playbook-engine"
)

// PlaybookFile is the on-disk playbook format.
type PlaybookFile struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Nodes       []PlaybookNode `yaml:"nodes"`
}

// PlaybookNode is one step of an on-disk playbook.
type PlaybookNode struct {
	ID             string                 `yaml:"id"`
	Name           string                 `yaml:"name"`
	ToolType       string                 `yaml:"tool_type"`
	ToolID         string                 `yaml:"tool_id"`
	OutputVariable string                 `yaml:"output_variable"`
	ExecutionOrder int                    `yaml:"execution_order"`
	Disabled       bool                   `yaml:"disabled"`
	DependsOn      []string               `yaml:"depends_on"`
	Configuration  map[string]interface{} `yaml:"configuration"`
}

// PlaybookLoader defines an interface for loading a PlaybookFile from a
// source (e.g., file, bytes, etc.).
type PlaybookLoader interface {
	Load(source string) (*PlaybookFile, error)
	Format() string // e.g., "yaml", "json"
}

// loaderRegistry holds registered PlaybookLoaders by format name.
var loaderRegistry = make(map[string]PlaybookLoader)

// RegisterPlaybookLoader registers a new PlaybookLoader for a given format.
func RegisterPlaybookLoader(loader PlaybookLoader) {
	loaderRegistry[loader.Format()] = loader
}

// GetPlaybookLoader retrieves a loader by format name (e.g., "yaml").
func GetPlaybookLoader(format string) (PlaybookLoader, bool) {
	loader, ok := loaderRegistry[format]
	return loader, ok
}

// YAMLLoader implements PlaybookLoader for YAML files.
type YAMLLoader struct{}

func (YAMLLoader) Load(path string) (*PlaybookFile, error) {
	return LoadPlaybookFile(path)
}

func (YAMLLoader) Format() string { return "yaml" }

func init() {
	RegisterPlaybookLoader(YAMLLoader{})
}

// LoadPlaybookFile parses a YAML playbook file.
func LoadPlaybookFile(path string) (*PlaybookFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open playbook file: %w", err)
	}
	defer f.Close()
	var pf PlaybookFile
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("failed to parse playbook YAML: %w", err)
	}
	return &pf, nil
}

// ParsePlaybook parses a YAML playbook from raw bytes.
func ParsePlaybook(data []byte) (*PlaybookFile, error) {
	var pf PlaybookFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse playbook YAML: %w", err)
	}
	return &pf, nil
}

// Validate checks the playbook for duplicate node ids, empty tool types and
// references to unknown dependencies. Cycle detection is left to planning,
// which reports it through the same error family the engine uses everywhere.
func (pf *PlaybookFile) Validate() error {
	if len(pf.Nodes) == 0 {
		return playbook.NewValidationError("loading", "playbook has no nodes", nil)
	}

	idSet := make(map[string]struct{}, len(pf.Nodes))
	for _, n := range pf.Nodes {
		if n.ID == "" {
			return playbook.NewValidationError("loading", "node with empty id", nil)
		}
		if _, exists := idSet[n.ID]; exists {
			return playbook.NewValidationError("loading", fmt.Sprintf("duplicate node id found: %s", n.ID), nil)
		}
		idSet[n.ID] = struct{}{}
		if n.ToolType == "" {
			return playbook.NewValidationError("loading", fmt.Sprintf("node %s has no tool type", n.ID), nil)
		}
	}

	for _, n := range pf.Nodes {
		for _, dep := range n.DependsOn {
			if _, exists := idSet[dep]; !exists {
				return playbook.NewValidationError("loading",
					fmt.Sprintf("node '%s' depends on missing node '%s'", n.ID, dep), nil)
			}
		}
	}

	return nil
}

// ToPlaybook converts the file representation into the engine's playbook
// type. Node configuration survives as raw JSON so handlers decode it into
// their own config structs.
func (pf *PlaybookFile) ToPlaybook() (*playbook.Playbook, error) {
	nodes := make([]playbook.Node, 0, len(pf.Nodes))
	for _, fn := range pf.Nodes {
		var config json.RawMessage
		if len(fn.Configuration) > 0 {
			raw, err := json.Marshal(fn.Configuration)
			if err != nil {
				return nil, playbook.NewValidationError("loading",
					fmt.Sprintf("node %s configuration is not encodable: %v", fn.ID, err), err)
			}
			config = raw
		}
		nodes = append(nodes, playbook.Node{
			ID:             fn.ID,
			Name:           fn.Name,
			DependsOn:      fn.DependsOn,
			ExecutionOrder: fn.ExecutionOrder,
			IsActive:       !fn.Disabled,
			ToolType:       fn.ToolType,
			ToolID:         fn.ToolID,
			OutputVariable: fn.OutputVariable,
			Configuration:  config,
		})
	}
	return &playbook.Playbook{ID: pf.ID, Name: pf.Name, Nodes: nodes}, nil
}

// LoadAndValidatePlaybook loads a playbook file using the registered loader
// for the format, validates it, and converts it.
func LoadAndValidatePlaybook(path string) (*playbook.Playbook, error) {
	loader, ok := GetPlaybookLoader("yaml")
	if !ok {
		return nil, fmt.Errorf("no YAML playbook loader registered")
	}

	pf, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	if err := pf.Validate(); err != nil {
		return nil, err
	}
	return pf.ToPlaybook()
}
