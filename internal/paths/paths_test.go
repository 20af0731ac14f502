package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlSocket_DeterministicPerProject(t *testing.T) {
	a := ControlSocket("/home/user/project")
	b := ControlSocket("/home/user/project")
	c := ControlSocket("/home/user/other")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestControlSocket_NormalizesEquivalentPaths(t *testing.T) {
	assert.Equal(t,
		ControlSocket("/home/user/project"),
		ControlSocket("/home/user/project/"))
	assert.Equal(t,
		ControlSocket("/home/user/project"),
		ControlSocket("/home/user/./project"))
}

func TestControlSocket_StaysWithinLengthBudget(t *testing.T) {
	deep := "/"
	for i := 0; i < 30; i++ {
		deep = filepath.Join(deep, "deeply-nested-directory")
	}
	p := ControlSocket(deep)
	assert.LessOrEqual(t, len(p), maxSocketPath)
	assert.True(t, filepath.IsAbs(p))
}

func TestStateDir_Normalization(t *testing.T) {
	assert.Equal(t, filepath.Join("/path/to/project", ".foreman"), StateDir("/path/to/project"))
	assert.Equal(t, "/path/to/project/.foreman", StateDir("/path/to/project/.foreman"))
	assert.Equal(t, filepath.Join(".", ".foreman"), StateDir(""))
}

func TestTaskStoreDir_AppendsStoreDirOnce(t *testing.T) {
	assert.Equal(t, filepath.Join("/p", ".beads"), TaskStoreDir("/p"))
	assert.Equal(t, "/p/.beads", TaskStoreDir("/p/.beads"))
}

func TestTaskStoreDir_FollowsRedirect(t *testing.T) {
	project := t.TempDir()
	storeDir := filepath.Join(project, ".beads")
	require.NoError(t, os.MkdirAll(storeDir, 0o755))

	target := filepath.Join(project, "shared-store")
	require.NoError(t, os.MkdirAll(target, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(storeDir, "redirect"), []byte("../shared-store\n"), 0o644))

	assert.Equal(t, target, TaskStoreDir(project))
}

func TestTaskStoreDir_EmptyRedirectIgnored(t *testing.T) {
	project := t.TempDir()
	storeDir := filepath.Join(project, ".beads")
	require.NoError(t, os.MkdirAll(storeDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(storeDir, "redirect"), []byte("  \n"), 0o644))

	assert.Equal(t, storeDir, TaskStoreDir(project))
}
