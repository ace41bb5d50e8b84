// Package repo bootstraps a new datarepo: git repository, scaffolded
// sfdatarepo.yml with the default part schema, the standard directory
// layout, union-merge attributes for inventory journals, and the default
// intake location.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/smallfactory/sf/internal/config"
	"github.com/smallfactory/sf/internal/gitvc"
	"github.com/smallfactory/sf/internal/sferr"
	"github.com/smallfactory/sf/internal/sfid"
	"github.com/smallfactory/sf/internal/txn"
)

// DefaultLocation is the intake location scaffolded into new datarepos.
const DefaultLocation = "l_inbox"

// unionMergeLine keeps concurrent journal appends mergeable instead of
// conflicting.
const unionMergeLine = "inventory/p_*/journal.ndjson merge=union\n"

// defaultPartFields is the scaffolded schema for part entities.
func defaultPartFields() map[string]config.FieldSpec {
	return map[string]config.FieldSpec{
		"name": {
			Required:    true,
			Regex:       `^.{1,200}$`,
			Description: "Human-readable item name.",
		},
		"description": {
			Multiline:   true,
			Description: "Extended freeform description of the part.",
		},
		"category": {
			Regex:       `^$|^.{1,500}$`,
			Description: "Category or family.",
		},
		"manufacturer": {
			Regex:       `^$|^.{1,500}$`,
			Description: "Manufacturer name.",
		},
		"mpn": {
			Regex:       `^[A-Za-z0-9 ._\-/#+]*$`,
			Description: "Manufacturer Part Number.",
		},
		"spn": {
			Regex:       `^[A-Za-z0-9 ._\-/#+]*$`,
			Description: "Supplier Part Number.",
		},
		"vendor": {
			Regex:       `^$|^.{1,500}$`,
			Description: "Preferred supplier/vendor.",
		},
		"notes": {
			Multiline:   true,
			Description: "Additional notes.",
		},
	}
}

// InitOptions configure datarepo creation.
type InitOptions struct {
	// Path is the datarepo root; created if missing.
	Path string

	// RemoteURL, when set, is configured as the origin remote.
	RemoteURL string

	// DefaultLocation overrides the scaffolded intake location sfid.
	DefaultLocation string

	// SetDefault records this datarepo in the tool config.
	SetDefault bool
}

// InitResult reports what was created.
type InitResult struct {
	Path            string `yaml:"path" json:"path"`
	DefaultLocation string `yaml:"default_location" json:"default_location"`
	Remote          string `yaml:"remote,omitempty" json:"remote,omitempty"`
}

// Init creates and scaffolds a datarepo, committing the scaffold in two
// steps: the repo config first, then the default location entity with its
// identifying token.
func Init(opts InitOptions) (InitResult, *gitvc.Repo, error) {
	path, err := filepath.Abs(opts.Path)
	if err != nil {
		return InitResult{}, nil, fmt.Errorf("resolve path: %w", err)
	}
	if _, err := os.Stat(filepath.Join(path, config.DatarepoConfigFilename)); err == nil {
		return InitResult{}, nil, sferr.New(sferr.CodeAlreadyExists, "datarepo already exists at %s", path)
	}
	loc := opts.DefaultLocation
	if loc == "" {
		loc = DefaultLocation
	}
	if err := sfid.ValidateLocation(loc); err != nil {
		return InitResult{}, nil, err
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return InitResult{}, nil, fmt.Errorf("create datarepo dir: %w", err)
	}
	vcs, err := gitvc.Init(path)
	if err != nil {
		return InitResult{}, nil, err
	}
	if opts.RemoteURL != "" {
		if err := vcs.AddRemote(opts.RemoteURL); err != nil {
			return InitResult{}, nil, err
		}
	}

	cfg := config.DatarepoConfig{
		Version: config.ToolVersion,
		Entities: config.EntitiesConfig{
			Types: map[string]config.TypeSpec{
				"p": {Fields: defaultPartFields()},
			},
		},
	}
	if err := config.SaveDatarepo(path, cfg); err != nil {
		return InitResult{}, nil, err
	}
	for _, dir := range []string{"entities", "inventory"} {
		if err := os.MkdirAll(filepath.Join(path, dir), 0o755); err != nil {
			return InitResult{}, nil, fmt.Errorf("create %s dir: %w", dir, err)
		}
	}
	if err := ensureUnionMerge(path); err != nil {
		return InitResult{}, nil, err
	}

	if err := vcs.Stage([]string{config.DatarepoConfigFilename, ".gitattributes"}); err != nil {
		return InitResult{}, nil, err
	}
	if _, err := vcs.Commit("Initial smallFactory datarepo config"); err != nil {
		return InitResult{}, nil, err
	}

	if err := scaffoldDefaultLocation(path, vcs, loc); err != nil {
		return InitResult{}, nil, err
	}

	if opts.SetDefault {
		if err := config.SaveTool(config.ToolConfig{DefaultDatarepo: path}); err != nil {
			return InitResult{}, nil, err
		}
	}
	return InitResult{Path: path, DefaultLocation: loc, Remote: opts.RemoteURL}, vcs, nil
}

// ensureUnionMerge writes or extends .gitattributes with the journal
// union-merge rule. Idempotent.
func ensureUnionMerge(path string) error {
	gia := filepath.Join(path, ".gitattributes")
	raw, err := os.ReadFile(gia)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read .gitattributes: %w", err)
	}
	if strings.Contains(string(raw), strings.TrimSpace(unionMergeLine)) {
		return nil
	}
	var b strings.Builder
	if len(raw) == 0 {
		b.WriteString("# Git attributes for smallFactory datarepo\n")
		b.WriteString("# Use union merge for inventory journals to reduce conflicts\n")
	} else {
		b.Write(raw)
		if !strings.HasSuffix(string(raw), "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n# smallFactory recommended union merge for inventory journals\n")
	}
	b.WriteString(unionMergeLine)
	if err := os.WriteFile(gia, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write .gitattributes: %w", err)
	}
	return nil
}

// scaffoldDefaultLocation creates the intake location entity and records
// it as inventory.default_location, committing both together.
func scaffoldDefaultLocation(path string, vcs *gitvc.Repo, loc string) error {
	entFile := filepath.Join(path, "entities", loc, "entity.yml")
	if _, err := os.Stat(entFile); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(entFile), 0o755); err != nil {
			return fmt.Errorf("create location dir: %w", err)
		}
		if err := os.WriteFile(entFile, []byte("name: Inbox\n"), 0o644); err != nil {
			return fmt.Errorf("write location entity: %w", err)
		}
	}

	cfg, err := config.LoadDatarepo(path)
	if err != nil {
		return err
	}
	cfg.Inventory.DefaultLocation = loc
	if err := config.SaveDatarepo(path, cfg); err != nil {
		return err
	}

	mut := &txn.Mutation{
		Summary:  fmt.Sprintf("Scaffold default location %s and set repo default", loc),
		Entities: []string{loc},
		Paths:    []string{filepath.Join("entities", loc), config.DatarepoConfigFilename},
	}
	if err := vcs.Stage(mut.Paths); err != nil {
		return err
	}
	if _, err := vcs.Commit(mut.CommitMessage()); err != nil {
		return err
	}
	return nil
}
