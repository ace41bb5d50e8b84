// Package config loads the two configuration layers:
//
//   - the tool config (.smallfactory.yml) naming the default datarepo,
//     resolved with environment overrides and read through viper
//   - the per-repo config (sfdatarepo.yml) carrying entity field specs,
//     the inventory default location, and the BOM alternates catalog
//
// Field specs are merged once per lookup (global entities.fields plus the
// per-prefix type block) so every caller sees the same effective schema.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ToolVersion is written into freshly scaffolded datarepo configs.
const ToolVersion = "1.0"

// ConfigFilename is the tool-level config file name.
const ConfigFilename = ".smallfactory.yml"

// DatarepoConfigFilename is the per-repo config file name.
const DatarepoConfigFilename = "sfdatarepo.yml"

// ToolConfig is the tool-level configuration.
type ToolConfig struct {
	DefaultDatarepo string `mapstructure:"default_datarepo" yaml:"default_datarepo"`
}

// FieldSpec constrains one entity field.
// Unknown fields are always allowed at runtime; only known fields validate.
type FieldSpec struct {
	Required    bool   `yaml:"required,omitempty"`
	Regex       string `yaml:"regex,omitempty"`
	Description string `yaml:"description,omitempty"`
	Multiline   bool   `yaml:"multiline,omitempty"`
}

// TypeSpec holds per-kind field specs, keyed by sfid prefix.
type TypeSpec struct {
	Fields map[string]FieldSpec `yaml:"fields,omitempty"`
}

// EntitiesConfig holds the entity schema blocks from sfdatarepo.yml.
type EntitiesConfig struct {
	Fields map[string]FieldSpec `yaml:"fields,omitempty"`
	Types  map[string]TypeSpec  `yaml:"types,omitempty"`
}

// InventoryConfig holds inventory settings from sfdatarepo.yml.
type InventoryConfig struct {
	DefaultLocation string               `yaml:"default_location,omitempty"`
	Fields          map[string]FieldSpec `yaml:"fields,omitempty"`
}

// BOMConfig holds the alternates-group catalog. Each group is an ordered
// list of candidate sfids; order is the resolution preference.
type BOMConfig struct {
	AlternatesGroups map[string][]string `yaml:"alternates_groups,omitempty"`
}

// DatarepoConfig is the parsed sfdatarepo.yml.
type DatarepoConfig struct {
	Version   string          `yaml:"smallfactory_version,omitempty"`
	Inventory InventoryConfig `yaml:"inventory,omitempty"`
	Entities  EntitiesConfig  `yaml:"entities,omitempty"`
	BOM       BOMConfig       `yaml:"bom,omitempty"`
}

// ResolveConfigPath returns the tool config location.
//
// Precedence:
//  1. SF_CONFIG_FILE - explicit path to the config file
//  2. SF_CONFIG_DIR  - directory containing the config file
//  3. SF_DATA_PATH   - parent data path
//  4. current directory
func ResolveConfigPath() string {
	if f := os.Getenv("SF_CONFIG_FILE"); f != "" {
		return f
	}
	if d := os.Getenv("SF_CONFIG_DIR"); d != "" {
		return filepath.Join(d, ConfigFilename)
	}
	if d := os.Getenv("SF_DATA_PATH"); d != "" {
		return filepath.Join(d, ConfigFilename)
	}
	return ConfigFilename
}

// LoadTool reads the tool config, returning zero values when the file is
// missing so a fresh checkout works without setup.
func LoadTool() (ToolConfig, error) {
	var cfg ToolConfig
	path := ResolveConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("read tool config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse tool config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveTool writes the tool config back to its resolved location.
func SaveTool(cfg ToolConfig) error {
	path := ResolveConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil && filepath.Dir(path) != "." {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal tool config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write tool config: %w", err)
	}
	return nil
}

// DatarepoPath returns the configured default datarepo path.
func DatarepoPath() (string, error) {
	cfg, err := LoadTool()
	if err != nil {
		return "", err
	}
	if cfg.DefaultDatarepo == "" {
		return "", fmt.Errorf("default_datarepo not set in %s; run 'sf init' or set it manually", ConfigFilename)
	}
	return cfg.DefaultDatarepo, nil
}

// LoadDatarepo reads sfdatarepo.yml from the repo root. A missing file
// yields an empty config, not an error.
func LoadDatarepo(repoPath string) (DatarepoConfig, error) {
	var cfg DatarepoConfig
	data, err := os.ReadFile(filepath.Join(repoPath, DatarepoConfigFilename))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", DatarepoConfigFilename, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", DatarepoConfigFilename, err)
	}
	return cfg, nil
}

// SaveDatarepo writes sfdatarepo.yml to the repo root.
func SaveDatarepo(repoPath string, cfg DatarepoConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", DatarepoConfigFilename, err)
	}
	header := "# Generated scaffold by smallFactory. Safe to edit and customize.\n"
	if err := os.WriteFile(filepath.Join(repoPath, DatarepoConfigFilename), append([]byte(header), data...), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", DatarepoConfigFilename, err)
	}
	return nil
}

// FieldSpecsFor returns the merged field specs applying to an sfid:
// global entities.fields overlaid with the per-prefix type block.
func (c DatarepoConfig) FieldSpecsFor(id string) map[string]FieldSpec {
	merged := make(map[string]FieldSpec, len(c.Entities.Fields))
	for name, spec := range c.Entities.Fields {
		merged[name] = spec
	}
	prefix, _, ok := strings.Cut(id, "_")
	if !ok {
		return merged
	}
	t, ok := c.Entities.Types[prefix]
	if !ok {
		return merged
	}
	for name, spec := range t.Fields {
		merged[name] = spec
	}
	return merged
}

// AlternatesGroup returns the ordered members of a named alternates group,
// or nil when the group is not in the catalog.
func (c DatarepoConfig) AlternatesGroup(name string) []string {
	return c.BOM.AlternatesGroups[name]
}
