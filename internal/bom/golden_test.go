package bom

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/smallfactory/sf/internal/entity"
)

// TestResolve_Golden pins the full serialized output for a small assembly:
// a working-copy top with a released make sub-assembly and an implicit buy
// part appearing both nested and as a direct line.
func TestResolve_Golden(t *testing.T) {
	f := setup(t)
	f.buyPart(t, "p_bolt")
	f.part(t, "p_sub", nil)
	f.addLine(t, "p_sub", entity.BOMLine{Use: "p_bolt", Qty: 4})
	f.cutRelease(t, "p_sub", "1")

	f.part(t, "p_top", nil)
	f.addLine(t, "p_top", entity.BOMLine{Use: "p_sub", Qty: 2})
	f.addLine(t, "p_top", entity.BOMLine{Use: "p_bolt", Qty: 1})

	res, err := f.res.Resolve("p_top", Options{})
	require.NoError(t, err)

	out, err := json.MarshalIndent(res, "", "  ")
	require.NoError(t, err)
	out = append(out, '\n')

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "resolve_basic", out)
}
