package bom

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallfactory/sf/internal/entity"
	"github.com/smallfactory/sf/internal/revision"
	"github.com/smallfactory/sf/internal/sferr"
)

type fixture struct {
	store *entity.Store
	revs  *revision.Manager
	res   *Resolver
}

func setup(t *testing.T) *fixture {
	t.Helper()
	return setupAt(t, t.TempDir())
}

func setupAt(t *testing.T, repo string) *fixture {
	t.Helper()
	store, err := entity.NewStore(repo)
	require.NoError(t, err)
	revs := revision.NewManager(store)
	return &fixture{store: store, revs: revs, res: NewResolver(store, revs)}
}

// buyPart creates a part with buy policy, relying on the implicit
// released snapshot.
func (f *fixture) buyPart(t *testing.T, id string) {
	t.Helper()
	_, _, err := f.store.Create(id, map[string]any{"name": id, "policy": "buy"})
	require.NoError(t, err)
}

// part creates a bare part entity.
func (f *fixture) part(t *testing.T, id string, fields map[string]any) {
	t.Helper()
	if fields == nil {
		fields = map[string]any{}
	}
	if _, ok := fields["name"]; !ok {
		fields["name"] = id
	}
	_, _, err := f.store.Create(id, fields)
	require.NoError(t, err)
}

// cutRelease cuts and releases the given label.
func (f *fixture) cutRelease(t *testing.T, id, label string) {
	t.Helper()
	_, _, err := f.revs.Cut(id, label, revision.CutOptions{})
	require.NoError(t, err)
	_, _, err = f.revs.Release(id, label)
	require.NoError(t, err)
}

func (f *fixture) addLine(t *testing.T, parent string, line entity.BOMLine) {
	t.Helper()
	_, _, err := f.store.AddBOMLine(parent, line)
	require.NoError(t, err)
}

func uses(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Use
	}
	return out
}

func rollupQty(res *Result, use string) int {
	total := 0
	for _, e := range res.Rollup {
		if e.Use == use {
			total += e.Qty
		}
	}
	return total
}

func TestResolve_QuantitiesMultiplyAndAdd(t *testing.T) {
	f := setup(t)
	f.buyPart(t, "p_leaf")
	f.part(t, "p_sub", nil)
	f.addLine(t, "p_sub", entity.BOMLine{Use: "p_leaf", Qty: 3})
	f.cutRelease(t, "p_sub", "1")

	f.part(t, "p_top", nil)
	f.addLine(t, "p_top", entity.BOMLine{Use: "p_sub", Qty: 2})
	f.addLine(t, "p_top", entity.BOMLine{Use: "p_leaf", Qty: 1})

	res, err := f.res.Resolve("p_top", Options{})
	require.NoError(t, err)

	// DFS order: sub, its leaf, then the direct leaf.
	assert.Equal(t, []string{"p_sub", "p_leaf", "p_leaf"}, uses(res.Nodes))
	assert.Equal(t, 2, res.Nodes[0].Qty)
	assert.Equal(t, 6, res.Nodes[1].Qty, "2 * 3 along the path")
	assert.Equal(t, 1, res.Nodes[2].Qty)

	// Rollup adds across appearances.
	assert.Equal(t, 7, rollupQty(res, "p_leaf"))
	assert.Equal(t, 2, rollupQty(res, "p_sub"))
}

func TestResolve_ChildRevSelectsSnapshotBOM(t *testing.T) {
	f := setup(t)
	f.buyPart(t, "p_leaf_a")
	f.buyPart(t, "p_leaf_b")

	f.part(t, "p_mid", nil)
	f.addLine(t, "p_mid", entity.BOMLine{Use: "p_leaf_a"})
	f.cutRelease(t, "p_mid", "1")
	_, _, err := f.store.SetBOMLine("p_mid", 0, entity.BOMLine{Use: "p_leaf_b"})
	require.NoError(t, err)
	f.cutRelease(t, "p_mid", "2")

	f.part(t, "p_top", nil)
	f.addLine(t, "p_top", entity.BOMLine{Use: "p_mid", Rev: "1"})

	res, err := f.res.Resolve("p_top", Options{})
	require.NoError(t, err)
	assert.Contains(t, uses(res.Nodes), "p_leaf_a", "rev 1 BOM traversed")
	assert.NotContains(t, uses(res.Nodes), "p_leaf_b")

	// Pointing the line at rev 2 flips the resolved leaf.
	_, _, err = f.store.SetBOMLine("p_top", 0, entity.BOMLine{Rev: "2"})
	require.NoError(t, err)
	res2, err := f.res.Resolve("p_top", Options{})
	require.NoError(t, err)
	assert.Contains(t, uses(res2.Nodes), "p_leaf_b")
	assert.NotContains(t, uses(res2.Nodes), "p_leaf_a")
}

func TestResolve_PhantomPassThrough(t *testing.T) {
	f := setup(t)
	f.buyPart(t, "p_screw")
	f.part(t, "p_kit", map[string]any{"policy": "phantom"})
	f.addLine(t, "p_kit", entity.BOMLine{Use: "p_screw", Qty: 4})
	f.cutRelease(t, "p_kit", "1")

	f.part(t, "p_top", nil)
	f.addLine(t, "p_top", entity.BOMLine{Use: "p_kit", Qty: 2})

	res, err := f.res.Resolve("p_top", Options{})
	require.NoError(t, err)

	assert.NotContains(t, uses(res.Nodes), "p_kit", "phantom emits no node")
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, "p_screw", res.Nodes[0].Use)
	assert.Equal(t, 8, res.Nodes[0].Qty, "parent qty folds through the phantom")
	assert.Equal(t, 0, res.Nodes[0].Depth, "phantom adds no depth")
	assert.Equal(t, 0, rollupQty(res, "p_kit"))
}

func TestResolve_WhenGating(t *testing.T) {
	f := setup(t)
	f.buyPart(t, "p_base")
	f.buyPart(t, "p_extra")

	f.part(t, "p_top", nil)
	f.addLine(t, "p_top", entity.BOMLine{Use: "p_base"})
	f.addLine(t, "p_top", entity.BOMLine{Use: "p_extra", When: map[string]string{"variant": "pro"}})

	plain, err := f.res.Resolve("p_top", Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"p_base"}, uses(plain.Nodes))

	pro, err := f.res.Resolve("p_top", Options{Config: map[string]string{"variant": "pro"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"p_base", "p_extra"}, uses(pro.Nodes))

	other, err := f.res.Resolve("p_top", Options{Config: map[string]string{"variant": "lite"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"p_base"}, uses(other.Nodes))
}

func TestResolve_AlternatesInOrder(t *testing.T) {
	f := setup(t)
	// Primary has no released revision (make policy, nothing cut).
	f.part(t, "p_primary", map[string]any{"policy": "make"})
	f.part(t, "p_alt1", map[string]any{"policy": "make"})
	f.buyPart(t, "p_alt2")

	f.part(t, "p_top", nil)
	f.addLine(t, "p_top", entity.BOMLine{
		Use:        "p_primary",
		Qty:        5,
		Alternates: []entity.Alternate{{Use: "p_alt1"}, {Use: "p_alt2"}},
	})

	res, err := f.res.Resolve("p_top", Options{})
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, "p_alt2", res.Nodes[0].Use, "first resolvable alternate wins")
	assert.Equal(t, "p_primary", res.Nodes[0].SubstitutedFor)
	assert.Equal(t, 5, res.Nodes[0].Qty)
}

func TestResolve_AlternateFollowsLineRev(t *testing.T) {
	f := setup(t)
	f.part(t, "p_primary", map[string]any{"policy": "make"})
	f.part(t, "p_alt", map[string]any{"policy": "make"})
	f.cutRelease(t, "p_alt", "1")
	f.cutRelease(t, "p_alt", "2") // pointer now at 2

	f.part(t, "p_top", nil)
	f.addLine(t, "p_top", entity.BOMLine{
		Use:        "p_primary",
		Rev:        "1",
		Alternates: []entity.Alternate{{Use: "p_alt"}},
	})

	res, err := f.res.Resolve("p_top", Options{})
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, "p_alt", res.Nodes[0].Use)
	assert.Equal(t, "1", res.Nodes[0].Rev, "alternate inherits the line's rev, not the released pointer")
	assert.Equal(t, "p_primary", res.Nodes[0].SubstitutedFor)
}

func TestResolve_AlternateRevOverride(t *testing.T) {
	f := setup(t)
	f.part(t, "p_primary", map[string]any{"policy": "make"})
	f.part(t, "p_alt", map[string]any{"policy": "make"})
	f.cutRelease(t, "p_alt", "1")
	f.cutRelease(t, "p_alt", "2")

	f.part(t, "p_top", nil)
	f.addLine(t, "p_top", entity.BOMLine{
		Use:        "p_primary",
		Rev:        "1",
		Alternates: []entity.Alternate{{Use: "p_alt", Rev: "2"}},
	})

	res, err := f.res.Resolve("p_top", Options{})
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, "2", res.Nodes[0].Rev, "an alternate's own rev beats the line's")
}

func TestResolve_AlternatesGroupFollowsLineRev(t *testing.T) {
	repo := t.TempDir()
	cfg := `
bom:
  alternates_groups:
    screws: [p_g1]
`
	require.NoError(t, os.WriteFile(filepath.Join(repo, "sfdatarepo.yml"), []byte(cfg), 0o644))
	f := setupAt(t, repo)

	f.part(t, "p_primary", map[string]any{"policy": "make"})
	f.part(t, "p_g1", map[string]any{"policy": "make"})
	f.cutRelease(t, "p_g1", "1")
	f.cutRelease(t, "p_g1", "2")

	f.part(t, "p_top", nil)
	f.addLine(t, "p_top", entity.BOMLine{Use: "p_primary", Rev: "1", AlternatesGroup: "screws"})

	res, err := f.res.Resolve("p_top", Options{})
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, "p_g1", res.Nodes[0].Use)
	assert.Equal(t, "1", res.Nodes[0].Rev)
}

func TestResolve_AlternatesGroupCatalog(t *testing.T) {
	repo := t.TempDir()
	cfg := `
bom:
  alternates_groups:
    screws: [p_g1, p_g2]
`
	require.NoError(t, os.WriteFile(filepath.Join(repo, "sfdatarepo.yml"), []byte(cfg), 0o644))
	f := setupAt(t, repo)

	f.part(t, "p_primary", map[string]any{"policy": "make"})
	f.part(t, "p_g1", map[string]any{"policy": "make"})
	f.buyPart(t, "p_g2")

	f.part(t, "p_top", nil)
	f.addLine(t, "p_top", entity.BOMLine{Use: "p_primary", AlternatesGroup: "screws"})

	res, err := f.res.Resolve("p_top", Options{})
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, "p_g2", res.Nodes[0].Use, "first catalog member with a released revision")
	assert.Equal(t, "p_primary", res.Nodes[0].SubstitutedFor)
}

func TestResolve_UnresolvedLineNamesPartAndLine(t *testing.T) {
	f := setup(t)
	f.buyPart(t, "p_ok")
	f.part(t, "p_bad", map[string]any{"policy": "make"})

	f.part(t, "p_top", nil)
	f.addLine(t, "p_top", entity.BOMLine{Use: "p_ok"})
	f.addLine(t, "p_top", entity.BOMLine{Use: "p_bad"})

	_, err := f.res.Resolve("p_top", Options{})
	require.Error(t, err)
	assert.True(t, sferr.IsUnresolvedBOMLine(err), "got %v", err)

	var se *sferr.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "p_top", se.Entity)
	assert.Equal(t, 1, se.Line)
}

func TestResolve_ImplicitReleasedScenario(t *testing.T) {
	f := setup(t)
	f.buyPart(t, "p_a")
	f.part(t, "p_b", nil)
	f.addLine(t, "p_b", entity.BOMLine{Use: "p_a", Rev: "released"})

	res, err := f.res.Resolve("p_b", Options{})
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, revision.ImplicitLabel, res.Nodes[0].Rev)

	// Moving the policy away from buy removes the implicit snapshot.
	_, _, err = f.store.UpdateFields("p_a", map[string]any{"policy": "make"})
	require.NoError(t, err)
	_, err = f.res.Resolve("p_b", Options{})
	assert.True(t, sferr.IsUnresolvedBOMLine(err), "got %v", err)
}

func TestResolve_CycleMarkedNotFatal(t *testing.T) {
	f := setup(t)
	f.part(t, "p_a", nil)
	f.addLine(t, "p_a", entity.BOMLine{Use: "p_b"})
	f.part(t, "p_b", nil)
	f.addLine(t, "p_b", entity.BOMLine{Use: "p_a"})

	// Release A first (B is not resolvable yet, which only skips the
	// frozen tree artifact), then release B.
	f.cutRelease(t, "p_a", "1")
	f.cutRelease(t, "p_b", "1")

	res, err := f.res.Resolve("p_a", Options{})
	require.NoError(t, err, "cycle must terminate, not error")

	require.Len(t, res.Nodes, 2)
	assert.Equal(t, "p_b", res.Nodes[0].Use)
	assert.False(t, res.Nodes[0].Cycle)
	assert.Equal(t, "p_a", res.Nodes[1].Use)
	assert.True(t, res.Nodes[1].Cycle, "repeated (entity, rev) on the path is flagged")
}

func TestResolve_MaxDepth(t *testing.T) {
	f := setup(t)
	f.buyPart(t, "p_leaf")
	f.part(t, "p_mid", nil)
	f.addLine(t, "p_mid", entity.BOMLine{Use: "p_leaf"})
	f.cutRelease(t, "p_mid", "1")

	f.part(t, "p_top", nil)
	f.addLine(t, "p_top", entity.BOMLine{Use: "p_mid"})

	res, err := f.res.Resolve("p_top", Options{MaxDepth: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"p_mid"}, uses(res.Nodes), "depth bound stops expansion")
}

func TestResolve_ExplicitTopRev(t *testing.T) {
	f := setup(t)
	f.buyPart(t, "p_old_leaf")
	f.buyPart(t, "p_new_leaf")

	f.part(t, "p_top", nil)
	f.addLine(t, "p_top", entity.BOMLine{Use: "p_old_leaf"})
	f.cutRelease(t, "p_top", "1")
	_, _, err := f.store.SetBOMLine("p_top", 0, entity.BOMLine{Use: "p_new_leaf"})
	require.NoError(t, err)

	// Working copy resolves the new leaf; rev 1 the old one.
	atRev, err := f.res.Resolve("p_top", Options{Rev: "1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p_old_leaf"}, uses(atRev.Nodes))
	assert.Equal(t, "1", atRev.Rev)
}

func TestResolve_Deterministic(t *testing.T) {
	f := setup(t)
	f.buyPart(t, "p_x")
	f.buyPart(t, "p_y")
	f.part(t, "p_top", nil)
	f.addLine(t, "p_top", entity.BOMLine{Use: "p_y", Qty: 2})
	f.addLine(t, "p_top", entity.BOMLine{Use: "p_x", Qty: 3})

	first, err := f.res.Resolve("p_top", Options{})
	require.NoError(t, err)
	second, err := f.res.Resolve("p_top", Options{})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Declared line order, not lexical order.
	assert.Equal(t, []string{"p_y", "p_x"}, uses(first.Nodes))
}
