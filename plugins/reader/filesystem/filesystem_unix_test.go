//go:build !windows

package filesystem

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studygen/pkg/contract"
)

// 非常规文件被忽略
func TestWalkDirNonRegular(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, syscall.Mkfifo(filepath.Join(root, "fifo"), 0o644))
	ids, _ := collect(t, New(nil), []string{root})
	assert.Empty(t, ids)
}

func TestIterateSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "t.txt")
	require.NoError(t, os.WriteFile(target, []byte("ok"), 0o644))
	link := filepath.Join(dir, "l.txt")
	require.NoError(t, os.Symlink(target, link))
	ids, bodies := collect(t, New(nil), []string{link})
	require.Len(t, ids, 1)
	assert.True(t, strings.HasSuffix(ids[0], "l.txt"))
	assert.Equal(t, []string{"ok"}, bodies)
}

// 目录符号链接不跟随
func TestIterateSymlinkDir(t *testing.T) {
	root := t.TempDir()
	realDir := filepath.Join(root, "real")
	require.NoError(t, os.Mkdir(realDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(realDir, "a.txt"), []byte("x"), 0o644))
	link := filepath.Join(root, "ln")
	require.NoError(t, os.Symlink(realDir, link))

	var visited []string
	err := New(nil).Iterate(context.Background(), []string{link}, func(id contract.DocID, _ io.ReadSeeker) error {
		visited = append(visited, string(id))
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, visited)

	// 扫描父目录时，real 下文件可见一次；ln 被忽略
	ids, _ := collect(t, New(nil), []string{root})
	assert.Len(t, ids, 1)
}
