// Package inspect 生成工件的确定性文本描述，并比较两个工件。
package inspect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"vdsync/pkg/contract"
)

// 描述中忽略的易变属性。
var volatileAttrs = map[string]bool{"created": true}

type attrReader interface {
	Attrs(ctx context.Context) (map[string]string, error)
}

// Describe 返回 path 处工件的描述：属性、普通数组（dtype/形状/sha256）、
// 虚拟数据集（形状/填充值/逐条映射，行与位置压缩为区间）。
// 相同输入产生的工件描述逐字节一致。
func Describe(ctx context.Context, eng contract.Engine, path string) (string, error) {
	src, err := eng.OpenForRead(ctx, path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	var b strings.Builder
	if ar, ok := src.(attrReader); ok {
		attrs, err := ar.Attrs(ctx)
		if err != nil {
			return "", fmt.Errorf("attrs of %s: %w", path, err)
		}
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			if !volatileAttrs[k] {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "attr %s=%s\n", k, attrs[k])
		}
	}

	list, err := src.List(ctx, "")
	if err != nil {
		return "", err
	}
	for _, p := range list {
		info, err := src.Describe(ctx, p)
		if err != nil {
			return "", err
		}
		if !info.Virtual {
			a, err := src.ReadArray(ctx, p)
			if err != nil {
				return "", err
			}
			sum := sha256.Sum256(a.Data)
			fmt.Fprintf(&b, "array %s %s %v sha256=%s\n", p, info.DType, info.Shape, hex.EncodeToString(sum[:]))
			continue
		}
		vr, ok := src.(contract.VirtualReader)
		if !ok {
			return "", fmt.Errorf("%w: engine cannot read virtual layout of %s", contract.ErrInvalidInput, p)
		}
		l, err := vr.ReadVirtualLayout(ctx, p)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "virtual %s %s %v fill=%s entries=%d\n", p, l.DType, l.Shape, hex.EncodeToString(l.Fill), len(l.Entries))
		for _, e := range l.Entries {
			fmt.Fprintf(&b, "  [%d] %s:%s rows=%s pos=%s\n", e.Lead, e.SourceFile, e.SourcePath, Ranges(e.Rows), Ranges(e.Positions))
		}
	}
	return b.String(), nil
}

// Diff 返回两个工件描述的 unified diff；相同时返回空串。
func Diff(ctx context.Context, eng contract.Engine, a, b string) (string, error) {
	da, err := Describe(ctx, eng, a)
	if err != nil {
		return "", err
	}
	db, err := Describe(ctx, eng, b)
	if err != nil {
		return "", err
	}
	if da == db {
		return "", nil
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(da),
		B:        difflib.SplitLines(db),
		FromFile: a,
		ToFile:   b,
		Context:  3,
	})
}

// Ranges 将整数序列压缩为区间表示，如 [0 1 2 5 7 8] → "0-2,5,7-8"。
// 只合并按序连续递增的片段，保留原有顺序。
func Ranges(v []int) string {
	if len(v) == 0 {
		return "-"
	}
	var b strings.Builder
	start, prev := v[0], v[0]
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(start))
		if prev != start {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(prev))
		}
	}
	for _, x := range v[1:] {
		if x == prev+1 {
			prev = x
			continue
		}
		flush()
		start, prev = x, x
	}
	flush()
	return b.String()
}
