package entity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/smallfactory/sf/internal/sferr"
	"github.com/smallfactory/sf/internal/sfid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestCreate_ThenRead(t *testing.T) {
	s := newTestStore(t)

	rec, mut, err := s.Create("p_m3x10", map[string]any{"name": "M3x10 screw"})
	require.NoError(t, err)
	assert.Equal(t, sfid.KindPart, rec.Kind)
	assert.Equal(t, []string{"p_m3x10"}, mut.Entities)
	assert.Contains(t, mut.Paths, filepath.Join("entities", "p_m3x10"))

	got, err := s.Read("p_m3x10")
	require.NoError(t, err)
	assert.Equal(t, "p_m3x10", got.SFID)
	assert.Equal(t, sfid.KindPart, got.Kind)
	assert.Equal(t, "M3x10 screw", got.Fields["name"])
}

func TestCreate_KindMatchesPrefix(t *testing.T) {
	s := newTestStore(t)
	ids := map[string]sfid.Kind{
		"p_widget": sfid.KindPart,
		"l_a1":     sfid.KindLocation,
		"b_run42":  sfid.KindBuild,
	}
	for id, kind := range ids {
		_, _, err := s.Create(id, map[string]any{"name": id})
		require.NoError(t, err)
		rec, err := s.Read(id)
		require.NoError(t, err)
		assert.Equal(t, kind, rec.Kind, "kind for %s", id)
	}
}

func TestCreate_InvalidIdentifier(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Create("P_UPPER", nil)
	assert.True(t, sferr.IsInvalidIdentifier(err), "got %v", err)

	_, _, err = s.Create("q_unregistered", nil)
	assert.True(t, sferr.IsInvalidIdentifier(err), "got %v", err)
}

func TestCreate_AlreadyExists(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Create("p_dup", nil)
	require.NoError(t, err)
	_, _, err = s.Create("p_dup", nil)
	assert.True(t, sferr.IsAlreadyExists(err), "got %v", err)
}

func TestRead_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read("p_missing")
	assert.True(t, sferr.IsNotFound(err), "got %v", err)
}

func TestCreate_IdentityNeverSerialized(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Create("p_clean", map[string]any{"name": "Clean", "sfid": "p_other"})
	require.NoError(t, err, "sfid in input fields is stripped, not fatal")

	raw, err := os.ReadFile(s.File("p_clean"))
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &onDisk))
	assert.NotContains(t, onDisk, "sfid")
}

func TestUpdateFields_RejectsIdentityAndKind(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Create("p_upd", nil)
	require.NoError(t, err)

	_, _, err = s.UpdateFields("p_upd", map[string]any{"sfid": "p_new"})
	assert.True(t, sferr.IsValidation(err), "got %v", err)

	_, _, err = s.UpdateFields("p_upd", map[string]any{"kind": "location"})
	assert.True(t, sferr.IsValidation(err), "got %v", err)
}

func TestUpdateFields_BOMOnlyOnParts(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Create("l_shelf", nil)
	require.NoError(t, err)

	_, _, err = s.UpdateFields("l_shelf", map[string]any{
		"bom": []any{map[string]any{"use": "p_x1"}},
	})
	assert.True(t, sferr.IsValidation(err), "got %v", err)
}

func TestUpdateFields_MergesAndPersists(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Create("p_merge", map[string]any{"name": "Before"})
	require.NoError(t, err)

	_, mut, err := s.UpdateFields("p_merge", map[string]any{"name": "After", "uom": "mm"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p_merge"}, mut.Entities)

	rec, err := s.Read("p_merge")
	require.NoError(t, err)
	assert.Equal(t, "After", rec.Fields["name"])
	assert.Equal(t, "mm", rec.UOM())
}

func TestFieldSpecs_RequiredAndRegex(t *testing.T) {
	repo := t.TempDir()
	cfg := `
entities:
  types:
    p:
      fields:
        name: {required: true, regex: "^.{1,200}$"}
`
	require.NoError(t, os.WriteFile(filepath.Join(repo, "sfdatarepo.yml"), []byte(cfg), 0o644))
	s, err := NewStore(repo)
	require.NoError(t, err)

	_, _, err = s.Create("p_noname", map[string]any{"mpn": "X"})
	assert.True(t, sferr.IsValidation(err), "missing required field: got %v", err)

	_, _, err = s.Create("p_named", map[string]any{"name": "OK"})
	assert.NoError(t, err)

	// Locations have no type block, so name is not required there.
	_, _, err = s.Create("l_free", nil)
	assert.NoError(t, err)
}

func TestRetire_SetsFlagsKeepsRecord(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Create("p_old", map[string]any{"name": "Old"})
	require.NoError(t, err)

	rec, mut, err := s.Retire("p_old", "superseded")
	require.NoError(t, err)
	assert.True(t, rec.Retired())
	assert.Equal(t, "superseded", rec.Fields["retired_reason"])
	assert.NotEmpty(t, rec.Fields["retired_at"])
	assert.Equal(t, "true", mut.Detail["retired"])

	// Record still present and readable.
	again, err := s.Read("p_old")
	require.NoError(t, err)
	assert.True(t, again.Retired())
}

func TestUOM_DefaultsToEach(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Create("p_uomless", nil)
	require.NoError(t, err)
	rec, err := s.Read("p_uomless")
	require.NoError(t, err)
	assert.Equal(t, "ea", rec.UOM())
}
