// Package bom expands a top entity's bill of materials into exact
// (part, revision) pairs with accumulated quantities.
//
// Traversal is deterministic depth-first in declared BOM line order, driven
// by an explicit frame stack rather than native recursion: stack depth is
// bounded and cycle detection is a membership check against the current
// path, not a global visited set. Given identical repository state,
// configuration, and selector, the output is byte-identical across runs.
package bom

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/smallfactory/sf/internal/entity"
	"github.com/smallfactory/sf/internal/revision"
	"github.com/smallfactory/sf/internal/sferr"
	"github.com/smallfactory/sf/internal/sfid"
)

// WorkingLabel marks a node resolved against the working copy rather than
// a cut snapshot. Only the top entity may resolve this way, when it has no
// released pointer and no implicit rule applies.
const WorkingLabel = "working"

// Options control one resolution run.
type Options struct {
	// Rev selects the top entity's revision: explicit label, "released",
	// or empty (same as "released").
	Rev string

	// Config is the flat build configuration evaluated against each BOM
	// line's when predicate.
	Config map[string]string

	// MaxDepth bounds traversal depth; 0 means unlimited. Nodes at the
	// bound are emitted without expanding their children.
	MaxDepth int
}

// Node is one resolved BOM entry in depth-first order.
//
// Phantom parts never appear: their children are folded into the parent
// with multiplied quantities. A node marked Cycle repeats a (use, rev)
// already on its own path and is not expanded further.
type Node struct {
	Use   string `yaml:"use" json:"use"`
	Rev   string `yaml:"rev" json:"rev"`
	Qty   int    `yaml:"qty" json:"qty"`
	Depth int    `yaml:"depth" json:"depth"`
	Cycle bool   `yaml:"cycle,omitempty" json:"cycle,omitempty"`

	// SubstitutedFor names the original line target when an alternate
	// was chosen instead.
	SubstitutedFor string `yaml:"substituted_for,omitempty" json:"substituted_for,omitempty"`
}

// RollupEntry is the flattened accumulation for one resolved (use, rev):
// quantities multiply along each path and add across appearances.
type RollupEntry struct {
	Use string `yaml:"use" json:"use"`
	Rev string `yaml:"rev" json:"rev"`
	Qty int    `yaml:"qty" json:"qty"`
}

// Result is a full resolution: the flattened node list in traversal order
// plus the quantity rollup sorted by (use, rev).
type Result struct {
	Root   string        `yaml:"root" json:"root"`
	Rev    string        `yaml:"rev" json:"rev"`
	Nodes  []Node        `yaml:"nodes" json:"nodes"`
	Rollup []RollupEntry `yaml:"rollup" json:"rollup"`
}

// Resolver expands BOMs against one datarepo.
type Resolver struct {
	store *entity.Store
	revs  *revision.Manager
}

// NewResolver returns a Resolver over the given store and revision manager.
func NewResolver(store *entity.Store, revs *revision.Manager) *Resolver {
	return &Resolver{store: store, revs: revs}
}

// pathNode is one link of the current traversal path, walked for cycle
// membership checks. Frames share tails, so pushing is O(1).
type pathNode struct {
	use  string
	rev  string
	prev *pathNode
}

func onPath(p *pathNode, use, rev string) bool {
	for ; p != nil; p = p.prev {
		if p.use == use && p.rev == rev {
			return true
		}
	}
	return false
}

// workItem is one pending BOM line expansion.
type workItem struct {
	line      entity.BOMLine
	qty       int // accumulated multiplier, line qty already applied
	depth     int
	path      *pathNode // path at the parent, excluding this line's target
	parentID  string
	lineIndex int
}

// Resolve expands the top entity's BOM.
//
// The top's effective revision follows the selector rule: explicit label
// verbatim; "released" dereferences the pointer, falls back to the
// implicit-released rule for buy-only parts, and finally to the working
// copy. Children are stricter: their resolved revision must exist with
// status released, or the line's alternates are consulted.
func (r *Resolver) Resolve(top string, opts Options) (*Result, error) {
	if err := sfid.Validate(top); err != nil {
		return nil, err
	}
	rec, err := r.store.Read(top)
	if err != nil {
		return nil, err
	}

	topRev, topRec, err := r.topRevision(rec, opts.Rev)
	if err != nil {
		return nil, err
	}

	res := &Result{Root: top, Rev: topRev, Nodes: []Node{}, Rollup: []RollupEntry{}}
	rollup := map[[2]string]int{}

	path := &pathNode{use: top, rev: topRev}
	lines, err := topRec.BOM()
	if err != nil {
		return nil, err
	}

	var stack []workItem
	pushLines := func(lines []entity.BOMLine, parentID string, qty, depth int, path *pathNode) {
		for i := len(lines) - 1; i >= 0; i-- {
			line := lines[i]
			if !gatedIn(line.When, opts.Config) {
				continue
			}
			stack = append(stack, workItem{
				line:      line,
				qty:       qty * line.Qty,
				depth:     depth,
				path:      path,
				parentID:  parentID,
				lineIndex: i,
			})
		}
	}
	pushLines(lines, top, 1, 0, path)

	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		meta, childRec, substitutedFor, err := r.resolveLine(it)
		if err != nil {
			return nil, err
		}

		if onPath(it.path, childRec.SFID, meta.Rev) {
			node := Node{Use: childRec.SFID, Rev: meta.Rev, Qty: it.qty, Depth: it.depth, Cycle: true, SubstitutedFor: substitutedFor}
			res.Nodes = append(res.Nodes, node)
			rollup[[2]string{node.Use, node.Rev}] += node.Qty
			continue
		}

		childLines, err := childRec.BOM()
		if err != nil {
			return nil, err
		}
		childPath := &pathNode{use: childRec.SFID, rev: meta.Rev, prev: it.path}

		if childRec.Policy() == entity.PolicyPhantom {
			// Pass-through: no node, children inherit the multiplied
			// quantity at the phantom's depth.
			pushLines(childLines, childRec.SFID, it.qty, it.depth, childPath)
			continue
		}

		node := Node{Use: childRec.SFID, Rev: meta.Rev, Qty: it.qty, Depth: it.depth, SubstitutedFor: substitutedFor}
		res.Nodes = append(res.Nodes, node)
		rollup[[2]string{node.Use, node.Rev}] += node.Qty

		if opts.MaxDepth > 0 && it.depth+1 >= opts.MaxDepth {
			continue
		}
		pushLines(childLines, childRec.SFID, it.qty, it.depth+1, childPath)
	}

	for key, qty := range rollup {
		res.Rollup = append(res.Rollup, RollupEntry{Use: key[0], Rev: key[1], Qty: qty})
	}
	sort.Slice(res.Rollup, func(i, j int) bool {
		if res.Rollup[i].Use != res.Rollup[j].Use {
			return res.Rollup[i].Use < res.Rollup[j].Use
		}
		return res.Rollup[i].Rev < res.Rollup[j].Rev
	})
	return res, nil
}

// SnapshotTree resolves the entity against its working copy and returns
// the node list, for freezing into a revision snapshot at cut time.
// Implements revision.TreeSnapshotter.
func (r *Resolver) SnapshotTree(id, rev string) (any, error) {
	res, err := r.Resolve(id, Options{})
	if err != nil {
		return nil, err
	}
	return res.Nodes, nil
}

// topRevision resolves the top entity's selector, with the working-copy
// fallback that only applies at the root.
func (r *Resolver) topRevision(rec entity.Record, selector string) (string, entity.Record, error) {
	if selector != "" && selector != entity.RevReleased {
		meta, err := r.revs.Meta(rec.SFID, selector)
		if err != nil {
			return "", entity.Record{}, err
		}
		recAt, err := r.recordAt(rec.SFID, meta.Rev)
		return meta.Rev, recAt, err
	}
	meta, err := r.revs.Effective(rec, entity.RevReleased)
	if sferr.IsNotFound(err) {
		return WorkingLabel, rec, nil
	}
	if err != nil {
		return "", entity.Record{}, err
	}
	recAt, err := r.recordAt(rec.SFID, meta.Rev)
	return meta.Rev, recAt, err
}

// resolveLine resolves one BOM line's target to a released revision,
// falling back to explicit alternates and then the named alternates group.
// Substitutes follow the line's rev selector; an explicit alternate may
// carry its own rev, which takes precedence.
func (r *Resolver) resolveLine(it workItem) (revision.Meta, entity.Record, string, error) {
	meta, rec, err := r.resolveTarget(it.line.Use, it.line.Rev)
	if err == nil {
		return meta, rec, "", nil
	}
	if !resolutionMiss(err) {
		return revision.Meta{}, entity.Record{}, "", err
	}

	for _, alt := range it.line.Alternates {
		selector := alt.Rev
		if selector == "" {
			selector = it.line.Rev
		}
		meta, rec, altErr := r.resolveTarget(alt.Use, selector)
		if altErr == nil {
			return meta, rec, it.line.Use, nil
		}
		if !resolutionMiss(altErr) {
			return revision.Meta{}, entity.Record{}, "", altErr
		}
	}
	if it.line.AlternatesGroup != "" {
		for _, member := range r.store.Config().AlternatesGroup(it.line.AlternatesGroup) {
			meta, rec, altErr := r.resolveTarget(member, it.line.Rev)
			if altErr == nil {
				return meta, rec, it.line.Use, nil
			}
			if !resolutionMiss(altErr) {
				return revision.Meta{}, entity.Record{}, "", altErr
			}
		}
	}
	return revision.Meta{}, entity.Record{}, "", sferr.New(sferr.CodeUnresolvedBOMLine,
		"no released revision or alternate for %s (line %d of %s)",
		it.line.Use, it.lineIndex, it.parentID).
		WithEntity(it.parentID).WithLine(it.lineIndex).Wrap(err)
}

// resolveTarget resolves one candidate sfid and selector to a released
// revision and the record content at that revision.
func (r *Resolver) resolveTarget(use, selector string) (revision.Meta, entity.Record, error) {
	rec, err := r.store.Read(use)
	if err != nil {
		return revision.Meta{}, entity.Record{}, err
	}
	meta, err := r.revs.Effective(rec, selector)
	if err != nil {
		return revision.Meta{}, entity.Record{}, err
	}
	if meta.Status != revision.StatusReleased {
		return revision.Meta{}, entity.Record{}, sferr.New(sferr.CodeNotFound,
			"revision %q has status %q, not released", meta.Rev, meta.Status).
			WithEntity(use).WithRev(meta.Rev)
	}
	recAt, err := r.recordAt(use, meta.Rev)
	if err != nil {
		return revision.Meta{}, entity.Record{}, err
	}
	return meta, recAt, nil
}

// recordAt loads the entity record as frozen at the given revision label.
// The implicit label has no snapshot directory, so it reads the working
// copy, as does the working label.
func (r *Resolver) recordAt(id, label string) (entity.Record, error) {
	if label == "" || label == WorkingLabel || label == revision.ImplicitLabel {
		return r.store.Read(id)
	}
	path := filepath.Join(r.store.Dir(id), "revisions", label, "entity.yml")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return entity.Record{}, sferr.New(sferr.CodeNotFound, "revision %q has no entity.yml", label).WithEntity(id).WithRev(label)
	}
	if err != nil {
		return entity.Record{}, fmt.Errorf("read %s: %w", path, err)
	}
	fields := map[string]any{}
	if err := yaml.Unmarshal(raw, &fields); err != nil {
		return entity.Record{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return entity.Record{SFID: id, Kind: sfid.MustKind(id), Fields: fields}, nil
}

// gatedIn evaluates a line's when predicate: every listed pair must match
// the build configuration. An absent predicate always passes.
func gatedIn(when map[string]string, cfg map[string]string) bool {
	for k, v := range when {
		if cfg[k] != v {
			return false
		}
	}
	return true
}

// resolutionMiss reports whether the error means "no usable released
// revision here", which alternates may recover from. Validation and IO
// faults are not recoverable by substitution.
func resolutionMiss(err error) bool {
	return sferr.IsNotFound(err)
}
