package contract

import "context"

// Stager: 输出工件的作用域获取。
// 约束：
//  1. Stage 在目标目录内创建对读者不可见的临时位置；
//  2. Commit 原子地将临时位置替换为最终工件名；
//  3. Abort 删除临时位置，失败路径上不留下半成品；
//  4. 同一工件名单写者。
type Stager interface {
	Stage(ctx context.Context, name string) (Staged, error)
}

// Staged: 一次暂存写入。Commit 与 Abort 至多生效其一，重复调用为 no-op。
type Staged interface {
	// Path 返回供存储引擎写入的临时路径。
	Path() string
	// Final 返回提交后的最终路径。
	Final() string
	Commit() error
	Abort() error
}
