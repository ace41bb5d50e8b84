// Package entity implements the canonical entity store.
//
// Canonical metadata for an entity lives at entities/<sfid>/entity.yml.
// The sfid is the directory name and is never serialized inside the record;
// readers inject it, writers strip it. No other package writes these files.
package entity

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smallfactory/sf/internal/config"
	"github.com/smallfactory/sf/internal/sferr"
	"github.com/smallfactory/sf/internal/sfid"
	"github.com/smallfactory/sf/internal/txn"
)

// Policy values recognized on part entities.
const (
	PolicyMake    = "make"
	PolicyBuy     = "buy"
	PolicyPhantom = "phantom"
)

// Record is one entity's canonical metadata. Fields is the raw entity.yml
// mapping; free-form attributes are allowed alongside the recognized keys.
type Record struct {
	SFID   string
	Kind   sfid.Kind
	Fields map[string]any
}

// UOM returns the entity's unit of measure, defaulting to "ea".
func (r Record) UOM() string {
	if s, ok := r.Fields["uom"].(string); ok && s != "" {
		return s
	}
	return "ea"
}

// Policy returns the make/buy/phantom policy tag, or "" when unset.
func (r Record) Policy() string {
	s, _ := r.Fields["policy"].(string)
	return s
}

// Retired reports whether the entity has been retired.
func (r Record) Retired() bool {
	b, _ := r.Fields["retired"].(bool)
	return b
}

// Store reads and writes canonical entity records in one datarepo.
type Store struct {
	repo string
	cfg  config.DatarepoConfig
}

// NewStore opens the entity store rooted at the datarepo path, loading the
// repo's field specs from sfdatarepo.yml.
func NewStore(repoPath string) (*Store, error) {
	cfg, err := config.LoadDatarepo(repoPath)
	if err != nil {
		return nil, fmt.Errorf("open entity store: %w", err)
	}
	return &Store{repo: repoPath, cfg: cfg}, nil
}

// Repo returns the datarepo root path.
func (s *Store) Repo() string { return s.repo }

// Config returns the parsed datarepo configuration.
func (s *Store) Config() config.DatarepoConfig { return s.cfg }

// Dir returns the entity's directory under entities/.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.repo, "entities", id)
}

// File returns the path to the entity's entity.yml.
func (s *Store) File(id string) string {
	return filepath.Join(s.Dir(id), "entity.yml")
}

// Exists reports whether an entity record is present.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.File(id))
	return err == nil
}

// Create writes a new entity record.
//
// Fails with INVALID_IDENTIFIER for a malformed or wrong-prefix id, and
// ALREADY_EXISTS when the path is occupied. The returned Mutation scopes
// the commit to the new entity directory.
func (s *Store) Create(id string, fields map[string]any) (Record, *txn.Mutation, error) {
	if err := sfid.Validate(id); err != nil {
		return Record{}, nil, err
	}
	if s.Exists(id) {
		return Record{}, nil, sferr.New(sferr.CodeAlreadyExists, "entity already exists").WithEntity(id)
	}

	data := normalizeFields(id, fields)
	if err := s.validate(id, data); err != nil {
		return Record{}, nil, err
	}
	if err := s.write(id, data); err != nil {
		return Record{}, nil, err
	}

	rec := Record{SFID: id, Kind: sfid.MustKind(id), Fields: data}
	mut := &txn.Mutation{
		Summary:  fmt.Sprintf("Created entity %s", id),
		Entities: []string{id},
		Paths:    []string{filepath.Join("entities", id)},
	}
	return rec, mut, nil
}

// Read returns the entity record, or NOT_FOUND.
func (s *Store) Read(id string) (Record, error) {
	if err := sfid.Validate(id); err != nil {
		return Record{}, err
	}
	data, err := s.read(id)
	if err != nil {
		return Record{}, err
	}
	return Record{SFID: id, Kind: sfid.MustKind(id), Fields: data}, nil
}

// List returns every readable entity record, sorted by sfid.
// Directories without entity.yml and unparsable records are skipped.
func (s *Store) List() ([]Record, error) {
	root := filepath.Join(s.repo, "entities")
	dirents, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	var recs []Record
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		id := d.Name()
		if sfid.Validate(id) != nil {
			continue
		}
		data, err := s.read(id)
		if err != nil {
			continue
		}
		recs = append(recs, Record{SFID: id, Kind: sfid.MustKind(id), Fields: data})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].SFID < recs[j].SFID })
	return recs, nil
}

// UpdateFields merges the given field changes into the record.
//
// Identity and kind keys are rejected, as is a bom key on a non-part.
// The merged record is revalidated against the repo's field specs.
func (s *Store) UpdateFields(id string, updates map[string]any) (Record, *txn.Mutation, error) {
	if err := sfid.Validate(id); err != nil {
		return Record{}, nil, err
	}
	if len(updates) == 0 {
		return Record{}, nil, sferr.New(sferr.CodeValidationError, "no field changes given").WithEntity(id)
	}
	data, err := s.read(id)
	if err != nil {
		return Record{}, nil, err
	}
	for k, v := range updates {
		data[k] = v
	}
	data = normalizeFields(id, data)
	if err := s.validate(id, data); err != nil {
		return Record{}, nil, err
	}
	if err := s.write(id, data); err != nil {
		return Record{}, nil, err
	}

	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rec := Record{SFID: id, Kind: sfid.MustKind(id), Fields: data}
	mut := &txn.Mutation{
		Summary:  fmt.Sprintf("Updated entity %s fields: %v", id, keys),
		Entities: []string{id},
		Paths:    []string{filepath.Join("entities", id, "entity.yml")},
	}
	return rec, mut, nil
}

// Retire soft-deletes the entity: sets retired, retired_at, and the reason.
// Hard deletion is not offered; entities persist forever.
func (s *Store) Retire(id, reason string) (Record, *txn.Mutation, error) {
	if err := sfid.Validate(id); err != nil {
		return Record{}, nil, err
	}
	data, err := s.read(id)
	if err != nil {
		return Record{}, nil, err
	}
	data["retired"] = true
	data["retired_at"] = time.Now().UTC().Format(time.RFC3339)
	if reason != "" {
		data["retired_reason"] = reason
	}
	if err := s.write(id, data); err != nil {
		return Record{}, nil, err
	}

	mut := &txn.Mutation{
		Summary:  fmt.Sprintf("Retired entity %s", id),
		Entities: []string{id},
		Detail:   map[string]string{"retired": "true"},
		Paths:    []string{filepath.Join("entities", id, "entity.yml")},
	}
	if reason != "" {
		mut.Detail["reason"] = reason
	}
	return Record{SFID: id, Kind: sfid.MustKind(id), Fields: data}, mut, nil
}

// read loads and parses entity.yml, injecting nothing.
func (s *Store) read(id string) (map[string]any, error) {
	raw, err := os.ReadFile(s.File(id))
	if os.IsNotExist(err) {
		return nil, sferr.New(sferr.CodeNotFound, "entity not found").WithEntity(id)
	}
	if err != nil {
		return nil, fmt.Errorf("read entity %s: %w", id, err)
	}
	data := map[string]any{}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse entity %s: %w", id, err)
	}
	return data, nil
}

// write persists the record, stripping identity keys first.
func (s *Store) write(id string, data map[string]any) error {
	clean := make(map[string]any, len(data))
	for k, v := range data {
		if k == "sfid" || k == "kind" {
			continue
		}
		clean[k] = v
	}
	out, err := yaml.Marshal(clean)
	if err != nil {
		return fmt.Errorf("marshal entity %s: %w", id, err)
	}
	if err := os.MkdirAll(s.Dir(id), 0o755); err != nil {
		return fmt.Errorf("create entity dir %s: %w", id, err)
	}
	if err := os.WriteFile(s.File(id), out, 0o644); err != nil {
		return fmt.Errorf("write entity %s: %w", id, err)
	}
	return nil
}

// validate enforces the kind-aware rules and the repo's field specs.
func (s *Store) validate(id string, data map[string]any) error {
	if _, ok := data["sfid"]; ok {
		return sferr.New(sferr.CodeValidationError, "field 'sfid' is the storage path and cannot be set").WithEntity(id)
	}
	if _, ok := data["kind"]; ok {
		return sferr.New(sferr.CodeValidationError, "field 'kind' is inferred from the sfid prefix and cannot be set").WithEntity(id)
	}
	if _, ok := data["bom"]; ok && !sfid.IsPart(id) {
		return sferr.New(sferr.CodeValidationError, "field 'bom' is only allowed on part entities").WithEntity(id)
	}
	if lines, ok := data["bom"]; ok {
		if err := validateBOM(id, lines); err != nil {
			return err
		}
	}

	specs := s.cfg.FieldSpecsFor(id)
	for name, spec := range specs {
		if spec.Required {
			if _, present := data[name]; !present {
				return sferr.New(sferr.CodeValidationError, "missing required field %q", name).WithEntity(id)
			}
		}
	}
	for name, value := range data {
		spec, ok := specs[name]
		if !ok || spec.Regex == "" {
			continue
		}
		re, err := regexp.Compile(spec.Regex)
		if err != nil {
			return fmt.Errorf("field spec %q has bad regex: %w", name, err)
		}
		str := ""
		if value != nil {
			str = fmt.Sprintf("%v", value)
		}
		if !re.MatchString(str) {
			return sferr.New(sferr.CodeValidationError, "field %q does not match %s", name, spec.Regex).WithEntity(id)
		}
	}
	return nil
}

// normalizeFields applies the uniform defaulting step before validation:
// BOM lines get qty=1 and rev="released" when omitted.
func normalizeFields(id string, fields map[string]any) map[string]any {
	data := make(map[string]any, len(fields))
	for k, v := range fields {
		data[k] = v
	}
	if raw, ok := data["bom"]; ok && sfid.IsPart(id) {
		if lines, err := decodeBOM(raw); err == nil {
			data["bom"] = encodeBOM(normalizeLines(lines))
		}
	}
	return data
}
