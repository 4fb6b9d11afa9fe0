package filesystem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"studygen/pkg/contract"
)

// DefaultMaxStdinBytes STDIN 读入上限（需整体缓冲以支持回溯）。
const DefaultMaxStdinBytes = 64 << 20

// Options 为 FileSystem Reader 的可选配置。
type Options struct {
	// ExcludeDirNames: 扫描目录时跳过这些目录名（基名，大小写不敏感）。
	// 仅影响目录递归，不影响单文件 root。
	ExcludeDirNames []string `json:"exclude_dir_names"`
	// Extensions: 目录扫描时仅收集这些扩展名（如 ".pdf"），为空收集全部。
	// 单文件 root 不受限制（由提取器判定格式）。
	Extensions []string `json:"extensions"`
	// MaxStdinBytes: STDIN 缓冲上限；<=0 使用默认 64MiB。
	MaxStdinBytes int64 `json:"max_stdin_bytes"`
}

// FileSystem 实现基于文件系统与 STDIN 的 Reader。
type FileSystem struct {
	excludeDir map[string]struct{}
	exts       map[string]struct{}
	maxStdin   int64
	stdin      io.Reader
}

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	ex := make(map[string]struct{}, len(o.ExcludeDirNames))
	for _, name := range o.ExcludeDirNames {
		if name == "" {
			continue
		}
		ex[strings.ToLower(name)] = struct{}{}
	}
	var exts map[string]struct{}
	if len(o.Extensions) > 0 {
		exts = make(map[string]struct{}, len(o.Extensions))
		for _, e := range o.Extensions {
			e = strings.ToLower(strings.TrimSpace(e))
			if e == "" {
				continue
			}
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			exts[e] = struct{}{}
		}
	}
	max := o.MaxStdinBytes
	if max <= 0 {
		max = DefaultMaxStdinBytes
	}
	return &FileSystem{excludeDir: ex, exts: exts, maxStdin: max, stdin: os.Stdin}
}

// Iterate 遍历 roots，按稳定顺序对每个常规文件调用 yield；yield 返回后关闭文件。
// roots 为空或仅为 "-" 时读取 STDIN（DocID 为 "stdin"）。
func (r *FileSystem) Iterate(ctx context.Context, roots []string, yield func(id contract.DocID, rs io.ReadSeeker) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(roots) == 0 || (len(roots) == 1 && roots[0] == "-") {
		return r.yieldStdin(yield)
	}
	if len(roots) > 1 {
		for _, s := range roots {
			if s == "-" {
				return fmt.Errorf("reader: %w: stdin '-' cannot be mixed with other roots", contract.ErrInvalidInput)
			}
		}
	}
	for _, root := range roots {
		if err := r.iterateOne(ctx, root, yield); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileSystem) yieldStdin(yield func(contract.DocID, io.ReadSeeker) error) error {
	b, err := io.ReadAll(io.LimitReader(r.stdin, r.maxStdin+1))
	if err != nil {
		return err
	}
	if int64(len(b)) > r.maxStdin {
		return fmt.Errorf("reader: stdin exceeds %d bytes: %w", r.maxStdin, contract.ErrBudgetExceeded)
	}
	return yield(contract.DocID("stdin"), bytes.NewReader(b))
}

func (r *FileSystem) iterateOne(ctx context.Context, root string, yield func(contract.DocID, io.ReadSeeker) error) error {
	info, err := os.Lstat(root)
	if err != nil {
		return err
	}
	// 仅跟随到常规文件；目录符号链接忽略
	if info.Mode()&os.ModeSymlink != 0 {
		t, err := os.Stat(root)
		if err != nil {
			return err
		}
		if !t.Mode().IsRegular() {
			return nil
		}
		return r.open(root, yield)
	}
	if info.IsDir() {
		return r.walkDir(ctx, root, yield)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	return r.open(root, yield)
}

func (r *FileSystem) walkDir(ctx context.Context, dir string, yield func(contract.DocID, io.ReadSeeker) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	// 稳定顺序：字典序
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	// 先目录（不跟随目录符号链接）
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, skip := r.excludeDir[strings.ToLower(e.Name())]; skip {
			continue
		}
		if err := r.walkDir(ctx, filepath.Join(dir, e.Name()), yield); err != nil {
			return err
		}
	}
	// 再文件
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || !r.accept(e.Name()) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if e.Type()&os.ModeSymlink != 0 {
			t, err := os.Stat(p)
			if err != nil {
				return err
			}
			if !t.Mode().IsRegular() {
				continue
			}
		} else if !e.Type().IsRegular() {
			continue
		}
		if err := r.open(p, yield); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileSystem) accept(name string) bool {
	if r.exts == nil {
		return true
	}
	_, ok := r.exts[strings.ToLower(filepath.Ext(name))]
	return ok
}

func (r *FileSystem) open(p string, yield func(contract.DocID, io.ReadSeeker) error) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	err = yield(contract.NormalizeDocID(p), f)
	if cerr := f.Close(); err == nil && cerr != nil && !errors.Is(cerr, os.ErrClosed) {
		err = cerr
	}
	return err
}

var _ contract.Reader = (*FileSystem)(nil)
