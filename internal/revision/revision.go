// Package revision manages immutable snapshots of an entity's working
// files and the mutable released pointer that selects the current label.
//
// A snapshot directory under entities/<sfid>/revisions/<label>/ is written
// once at cut time and never modified afterwards; releasing only flips the
// snapshot status and rewrites refs/released. Buy-policy parts with no
// revisions get an implicit released snapshot so purchased hardware can be
// referenced without ever cutting one.
package revision

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smallfactory/sf/internal/entity"
	"github.com/smallfactory/sf/internal/sferr"
	"github.com/smallfactory/sf/internal/sfid"
	"github.com/smallfactory/sf/internal/txn"
)

// Snapshot statuses.
const (
	StatusDraft    = "draft"
	StatusReleased = "released"
	StatusObsolete = "obsolete"
)

// ImplicitLabel names the synthetic released snapshot of a buy-policy part
// that has no revisions directory.
const ImplicitLabel = "implicit"

// Artifact is one content file captured in a snapshot.
type Artifact struct {
	Role   string `yaml:"role" json:"role"`
	Path   string `yaml:"path" json:"path"`
	SHA256 string `yaml:"sha256" json:"sha256"`
}

// Meta is the snapshot metadata persisted at revisions/<label>/meta.yml.
type Meta struct {
	Rev          string     `yaml:"rev" json:"rev"`
	Status       string     `yaml:"status" json:"status"`
	ECO          string     `yaml:"eco,omitempty" json:"eco,omitempty"`
	SourceCommit string     `yaml:"source_commit,omitempty" json:"source_commit,omitempty"`
	GeneratedAt  string     `yaml:"generated_at" json:"generated_at"`
	ReleasedAt   string     `yaml:"released_at,omitempty" json:"released_at,omitempty"`
	Notes        string     `yaml:"notes,omitempty" json:"notes,omitempty"`
	Artifacts    []Artifact `yaml:"artifacts" json:"artifacts"`
}

// Info is the ordered snapshot listing plus the current pointer value.
type Info struct {
	// Rev is the released pointer value, or "" when nothing is released.
	Rev string `yaml:"rev,omitempty" json:"rev,omitempty"`

	// Revisions lists snapshot metadata ordered by label (numeric labels
	// numerically, then the rest lexically).
	Revisions []Meta `yaml:"revisions" json:"revisions"`
}

// CutOptions carries optional snapshot metadata.
type CutOptions struct {
	Notes        string
	ECO          string
	SourceCommit string
}

// TreeSnapshotter freezes a derived artifact (the resolved BOM tree) into
// a snapshot at cut time. Wired in by the caller to keep this package
// independent of the resolver.
type TreeSnapshotter interface {
	SnapshotTree(id, rev string) (any, error)
}

// Manager creates snapshots and moves released pointers for one datarepo.
type Manager struct {
	store *entity.Store

	// Trees, when set, adds a frozen bom_tree.yml artifact to every cut
	// of a part that has a BOM.
	Trees TreeSnapshotter
}

// NewManager returns a Manager over the given entity store.
func NewManager(store *entity.Store) *Manager {
	return &Manager{store: store}
}

func (m *Manager) revisionsDir(id string) string {
	return filepath.Join(m.store.Dir(id), "revisions")
}

func (m *Manager) snapshotDir(id, label string) string {
	return filepath.Join(m.revisionsDir(id), label)
}

func (m *Manager) pointerFile(id string) string {
	return filepath.Join(m.store.Dir(id), "refs", "released")
}

// Pointer returns the released pointer value, or "" when none is set.
func (m *Manager) Pointer(id string) (string, error) {
	raw, err := os.ReadFile(m.pointerFile(id))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read released pointer for %s: %w", id, err)
	}
	return trimLine(raw), nil
}

// HasRevisions reports whether the entity has any cut snapshots.
func (m *Manager) HasRevisions(id string) bool {
	dirents, err := os.ReadDir(m.revisionsDir(id))
	if err != nil {
		return false
	}
	for _, d := range dirents {
		if d.IsDir() {
			return true
		}
	}
	return false
}

// Meta reads one snapshot's metadata, or NOT_FOUND.
func (m *Manager) Meta(id, label string) (Meta, error) {
	raw, err := os.ReadFile(filepath.Join(m.snapshotDir(id, label), "meta.yml"))
	if os.IsNotExist(err) {
		return Meta{}, sferr.New(sferr.CodeNotFound, "revision %q not found", label).WithEntity(id).WithRev(label)
	}
	if err != nil {
		return Meta{}, fmt.Errorf("read revision meta %s/%s: %w", id, label, err)
	}
	var meta Meta
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return Meta{}, fmt.Errorf("parse revision meta %s/%s: %w", id, label, err)
	}
	return meta, nil
}

// Get returns the ordered snapshot metadata plus the current pointer.
func (m *Manager) Get(id string) (Info, error) {
	if err := sfid.Validate(id); err != nil {
		return Info{}, err
	}
	if !m.store.Exists(id) {
		return Info{}, sferr.New(sferr.CodeNotFound, "entity not found").WithEntity(id)
	}
	ptr, err := m.Pointer(id)
	if err != nil {
		return Info{}, err
	}
	info := Info{Rev: ptr, Revisions: []Meta{}}

	dirents, err := os.ReadDir(m.revisionsDir(id))
	if os.IsNotExist(err) {
		return info, nil
	}
	if err != nil {
		return Info{}, fmt.Errorf("list revisions for %s: %w", id, err)
	}
	labels := make([]string, 0, len(dirents))
	for _, d := range dirents {
		if d.IsDir() {
			labels = append(labels, d.Name())
		}
	}
	sortLabels(labels)
	for _, label := range labels {
		meta, err := m.Meta(id, label)
		if err != nil {
			continue
		}
		info.Revisions = append(info.Revisions, meta)
	}
	return info, nil
}

// Cut creates an immutable snapshot of the entity's current working files.
//
// The snapshot captures entity.yml (role "entity") and everything under
// files/ (role "file"), each with its sha256 content hash. An empty label
// selects the next sequential numeric label. Re-cutting an existing label
// fails with ALREADY_EXISTS; snapshots are never overwritten.
func (m *Manager) Cut(id, label string, opts CutOptions) (Meta, *txn.Mutation, error) {
	if err := sfid.Validate(id); err != nil {
		return Meta{}, nil, err
	}
	if !m.store.Exists(id) {
		return Meta{}, nil, sferr.New(sferr.CodeNotFound, "entity has no working files to snapshot").WithEntity(id)
	}
	if label == "" {
		var err error
		label, err = m.nextLabel(id)
		if err != nil {
			return Meta{}, nil, err
		}
	}
	dir := m.snapshotDir(id, label)
	if _, err := os.Stat(dir); err == nil {
		return Meta{}, nil, sferr.New(sferr.CodeAlreadyExists, "revision %q already exists; snapshots are immutable", label).WithEntity(id).WithRev(label)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Meta{}, nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	var artifacts []Artifact

	// entity.yml is always captured.
	hash, err := copyHashed(m.store.File(id), filepath.Join(dir, "entity.yml"))
	if err != nil {
		return Meta{}, nil, fmt.Errorf("snapshot entity.yml for %s: %w", id, err)
	}
	artifacts = append(artifacts, Artifact{Role: "entity", Path: "entity.yml", SHA256: hash})

	// Working files, if any.
	filesDir := filepath.Join(m.store.Dir(id), "files")
	fileArts, err := m.snapshotFiles(filesDir, dir)
	if err != nil {
		return Meta{}, nil, err
	}
	artifacts = append(artifacts, fileArts...)

	// Frozen resolved BOM tree for parts with a BOM. A tree that cannot
	// resolve yet (children not released) skips the artifact rather than
	// blocking the cut.
	if m.Trees != nil && sfid.IsPart(id) {
		if rec, err := m.store.Read(id); err == nil {
			if lines, err := rec.BOM(); err == nil && len(lines) > 0 {
				art, err := m.snapshotTree(id, label, dir)
				switch {
				case err == nil:
					artifacts = append(artifacts, art)
				case sferr.IsUnresolvedBOMLine(err) || sferr.IsNotFound(err):
					// leave the snapshot without a frozen tree
				default:
					return Meta{}, nil, err
				}
			}
		}
	}

	meta := Meta{
		Rev:          label,
		Status:       StatusDraft,
		ECO:          opts.ECO,
		SourceCommit: opts.SourceCommit,
		GeneratedAt:  nowISO(),
		Notes:        opts.Notes,
		Artifacts:    artifacts,
	}
	if err := m.writeMeta(id, label, meta); err != nil {
		return Meta{}, nil, err
	}

	mut := &txn.Mutation{
		Summary:  fmt.Sprintf("Cut revision %s of %s", label, id),
		Entities: []string{id},
		Detail:   map[string]string{"rev": label},
		Paths:    []string{filepath.Join("entities", id, "revisions", label)},
	}
	return meta, mut, nil
}

// Bump cuts a snapshot at the next sequential numeric label.
func (m *Manager) Bump(id, notes string) (Meta, *txn.Mutation, error) {
	return m.Cut(id, "", CutOptions{Notes: notes})
}

// Release marks the labelled snapshot released and atomically rewrites the
// released pointer. The label must name an existing draft or released
// snapshot; releasing is the only mutation permitted after a cut.
func (m *Manager) Release(id, label string) (Meta, *txn.Mutation, error) {
	if err := sfid.Validate(id); err != nil {
		return Meta{}, nil, err
	}
	meta, err := m.Meta(id, label)
	if err != nil {
		return Meta{}, nil, err
	}
	if meta.Status != StatusDraft && meta.Status != StatusReleased {
		return Meta{}, nil, sferr.New(sferr.CodeValidationError,
			"cannot release revision with status %q", meta.Status).WithEntity(id).WithRev(label)
	}
	meta.Status = StatusReleased
	if meta.ReleasedAt == "" {
		meta.ReleasedAt = nowISO()
	}
	if err := m.writeMeta(id, label, meta); err != nil {
		return Meta{}, nil, err
	}
	if err := m.writePointer(id, label); err != nil {
		return Meta{}, nil, err
	}

	mut := &txn.Mutation{
		Summary:  fmt.Sprintf("Released revision %s of %s", label, id),
		Entities: []string{id},
		Detail:   map[string]string{"rev": label},
		Paths: []string{
			filepath.Join("entities", id, "revisions", label, "meta.yml"),
			filepath.Join("entities", id, "refs", "released"),
		},
	}
	return meta, mut, nil
}

// Effective resolves a revision selector against this entity.
//
// An explicit label is used verbatim. The "released" selector (or empty)
// dereferences the released pointer; when no pointer exists and the part
// has buy policy with no revisions, the implicit released snapshot applies.
// The returned meta carries the resolved status for the caller to judge.
func (m *Manager) Effective(rec entity.Record, selector string) (Meta, error) {
	if selector != "" && selector != entity.RevReleased {
		return m.Meta(rec.SFID, selector)
	}
	ptr, err := m.Pointer(rec.SFID)
	if err != nil {
		return Meta{}, err
	}
	if ptr != "" {
		return m.Meta(rec.SFID, ptr)
	}
	if rec.Policy() == entity.PolicyBuy && !m.HasRevisions(rec.SFID) {
		return Meta{Rev: ImplicitLabel, Status: StatusReleased}, nil
	}
	return Meta{}, sferr.New(sferr.CodeNotFound, "no released revision").WithEntity(rec.SFID)
}

func (m *Manager) snapshotFiles(filesDir, snapDir string) ([]Artifact, error) {
	var artifacts []Artifact
	err := filepath.WalkDir(filesDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(filesDir, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(snapDir, "files", rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		hash, err := copyHashed(path, dst)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, Artifact{
			Role:   "file",
			Path:   filepath.ToSlash(filepath.Join("files", rel)),
			SHA256: hash,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot working files: %w", err)
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Path < artifacts[j].Path })
	return artifacts, nil
}

func (m *Manager) snapshotTree(id, label, snapDir string) (Artifact, error) {
	tree, err := m.Trees.SnapshotTree(id, label)
	if err != nil {
		return Artifact{}, fmt.Errorf("freeze bom tree for %s: %w", id, err)
	}
	doc := map[string]any{
		"format": "bom_tree.v1",
		"root":   id,
		"rev":    label,
		"nodes":  tree,
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return Artifact{}, fmt.Errorf("marshal bom tree: %w", err)
	}
	dst := filepath.Join(snapDir, "bom_tree.yml")
	if err := os.WriteFile(dst, out, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("write bom tree: %w", err)
	}
	sum := sha256.Sum256(out)
	return Artifact{Role: "bom_tree", Path: "bom_tree.yml", SHA256: hex.EncodeToString(sum[:])}, nil
}

func (m *Manager) writeMeta(id, label string, meta Meta) error {
	out, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal revision meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.snapshotDir(id, label), "meta.yml"), out, 0o644); err != nil {
		return fmt.Errorf("write revision meta: %w", err)
	}
	return nil
}

// writePointer rewrites refs/released atomically: temp file then rename,
// so a concurrent reader sees either the old or the new label, never a
// partial write.
func (m *Manager) writePointer(id, label string) error {
	ptr := m.pointerFile(id)
	if err := os.MkdirAll(filepath.Dir(ptr), 0o755); err != nil {
		return fmt.Errorf("create refs dir: %w", err)
	}
	tmp := ptr + ".tmp"
	if err := os.WriteFile(tmp, []byte(label+"\n"), 0o644); err != nil {
		return fmt.Errorf("write released pointer: %w", err)
	}
	if err := os.Rename(tmp, ptr); err != nil {
		return fmt.Errorf("swap released pointer: %w", err)
	}
	return nil
}

// nextLabel returns the next sequential numeric label: one past the
// highest numeric label, starting at 1. Non-numeric labels don't advance
// the sequence.
func (m *Manager) nextLabel(id string) (string, error) {
	dirents, err := os.ReadDir(m.revisionsDir(id))
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("list revisions for %s: %w", id, err)
	}
	highest := 0
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(d.Name()); err == nil && n > highest {
			highest = n
		}
	}
	return strconv.Itoa(highest + 1), nil
}

// sortLabels orders numeric labels numerically before the rest lexically.
func sortLabels(labels []string) {
	sort.Slice(labels, func(i, j int) bool {
		ni, ei := strconv.Atoi(labels[i])
		nj, ej := strconv.Atoi(labels[j])
		switch {
		case ei == nil && ej == nil:
			return ni < nj
		case ei == nil:
			return true
		case ej == nil:
			return false
		default:
			return labels[i] < labels[j]
		}
	})
}

func copyHashed(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func trimLine(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}
