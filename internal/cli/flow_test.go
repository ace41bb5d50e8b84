package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReleaseAndResolveFlow walks the full loop: create parts, edit a BOM,
// cut and release revisions, then resolve and count stock.
func TestReleaseAndResolveFlow(t *testing.T) {
	repo := initDatarepo(t)

	for _, args := range [][]string{
		{"entity", "create", "p_bolt", "-f", "name=Bolt", "-f", "policy=buy"},
		{"entity", "create", "p_bracket", "-f", "name=Bracket"},
		{"entity", "create", "p_assembly", "-f", "name=Assembly"},
		{"bom", "add", "p_bracket", "--use", "p_bolt", "--qty", "4"},
		{"bom", "add", "p_assembly", "--use", "p_bracket", "--qty", "2"},
	} {
		_, err := execute(t, append([]string{"--repo", repo}, args...)...)
		require.NoError(t, err, "args: %v", args)
	}

	// Cut and release the bracket so the assembly can traverse it.
	out, err := execute(t, "--repo", repo, "--format", "json", "rev", "cut", "p_bracket")
	require.NoError(t, err)
	resp := decodeJSON(t, out)
	meta := resp.Data.(map[string]any)
	assert.Equal(t, "1", meta["rev"])
	assert.Equal(t, "draft", meta["status"])

	_, err = execute(t, "--repo", repo, "rev", "release", "p_bracket", "1")
	require.NoError(t, err)

	out, err = execute(t, "--repo", repo, "--format", "json", "rev", "list", "p_bracket")
	require.NoError(t, err)
	resp = decodeJSON(t, out)
	info := resp.Data.(map[string]any)
	assert.Equal(t, "1", info["rev"], "released pointer moved")

	// Resolve the assembly against its working copy.
	out, err = execute(t, "--repo", repo, "--format", "json", "bom", "resolve", "p_assembly")
	require.NoError(t, err)
	resp = decodeJSON(t, out)
	res := resp.Data.(map[string]any)
	assert.Equal(t, "working", res["rev"])
	nodes := res["nodes"].([]any)
	require.Len(t, nodes, 2)
	first := nodes[0].(map[string]any)
	second := nodes[1].(map[string]any)
	assert.Equal(t, "p_bracket", first["use"])
	assert.Equal(t, float64(2), first["qty"])
	assert.Equal(t, "p_bolt", second["use"])
	assert.Equal(t, float64(8), second["qty"])

	// Stock flows through the default intake location.
	out, err = execute(t, "--repo", repo, "--format", "json", "inv", "post", "p_bolt", "100")
	require.NoError(t, err)
	resp = decodeJSON(t, out)
	post := resp.Data.(map[string]any)
	assert.Equal(t, "l_inbox", post["location"])

	_, err = execute(t, "--repo", repo, "inv", "post", "--reason", "consumed", "p_bolt", "--", "-25")
	require.NoError(t, err)

	out, err = execute(t, "--repo", repo, "--format", "json", "inv", "onhand", "p_bolt")
	require.NoError(t, err)
	resp = decodeJSON(t, out)
	oh := resp.Data.(map[string]any)
	assert.Equal(t, float64(75), oh["total"])

	// Rebuild is safe to run at any time.
	_, err = execute(t, "--repo", repo, "inv", "rebuild")
	require.NoError(t, err)
}

func TestBOMResolve_UnresolvedChildFails(t *testing.T) {
	repo := initDatarepo(t)

	for _, args := range [][]string{
		{"entity", "create", "p_child", "-f", "name=Child", "-f", "policy=make"},
		{"entity", "create", "p_top", "-f", "name=Top"},
		{"bom", "add", "p_top", "--use", "p_child"},
	} {
		_, err := execute(t, append([]string{"--repo", repo}, args...)...)
		require.NoError(t, err)
	}

	// A make part with no released revision cannot resolve.
	_, err := execute(t, "--repo", repo, "bom", "resolve", "p_top")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestRevBump_SequencesNumericLabels(t *testing.T) {
	repo := initDatarepo(t)

	_, err := execute(t, "--repo", repo, "entity", "create", "p_widget", "-f", "name=Widget")
	require.NoError(t, err)

	out, err := execute(t, "--repo", repo, "--format", "json", "rev", "bump", "p_widget")
	require.NoError(t, err)
	assert.Equal(t, "1", decodeJSON(t, out).Data.(map[string]any)["rev"])

	out, err = execute(t, "--repo", repo, "--format", "json", "rev", "bump", "p_widget")
	require.NoError(t, err)
	assert.Equal(t, "2", decodeJSON(t, out).Data.(map[string]any)["rev"])
}
