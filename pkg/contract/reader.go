package contract

import "context"

// Discoverer: 模块文件发现（listFiles）。
// 约束：
// 1) 结果按字典序排序，同一模块内字典序即采集顺序；
// 2) 无匹配返回空切片而非错误（模块缺席不是错误）；
// 3) 不打开文件、不做内容解析。
type Discoverer interface {
	List(ctx context.Context, pattern string) ([]string, error)
}
