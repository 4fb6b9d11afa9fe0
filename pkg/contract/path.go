package contract

import (
	"path"
	"strings"
)

// NormalizeDocID 规范化路径，统一为跨平台稳定的 DocID。
// 规则：反斜杠转正斜杠；清理多余分隔符与 .、..；保留相对/绝对语义。
func NormalizeDocID(p string) DocID {
	return DocID(path.Clean(strings.ReplaceAll(p, `\`, "/")))
}

// BaseName 返回 DocID 的末段（不含扩展名），用于派生输出工件名。
func BaseName(id DocID) string {
	b := path.Base(string(id))
	if ext := path.Ext(b); ext != "" && ext != b {
		b = strings.TrimSuffix(b, ext)
	}
	return b
}
