package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vdsync/pkg/contract"
)

// Sink 实现 contract.Sink：全部写入位于一个事务内，Close 提交，Abort 回滚。
type Sink struct {
	engine *Engine
	db     *sql.DB
	tx     *sql.Tx
	path   string
	done   bool
}

var _ contract.Sink = (*Sink)(nil)

// CreateArray 写入普通数组，按 chunk 行数切块并按引擎 codec 压缩。
func (s *Sink) CreateArray(ctx context.Context, path string, a contract.Array) error {
	if s.done {
		return fmt.Errorf("%w: sink closed", contract.ErrInvalidInput)
	}
	if path == "" {
		return fmt.Errorf("%w: empty array path", contract.ErrInvalidInput)
	}
	if err := a.Validate(); err != nil {
		return err
	}
	cr := s.engine.chunkRows
	if _, err := s.tx.ExecContext(ctx,
		"INSERT INTO arrays(path, dtype, shape, chunk_rows, codec) VALUES(?,?,?,?,?)",
		path, string(a.DType), encodeShape(a.Shape), cr, s.engine.codec); err != nil {
		return fmt.Errorf("create array %s: %w", path, err)
	}
	stmt, err := s.tx.PrepareContext(ctx, "INSERT INTO array_chunks(path, idx, data) VALUES(?,?,?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	rb := a.RowBytes()
	n := a.Rows()
	for idx, st := 0, 0; st < n; idx, st = idx+1, st+cr {
		if err := ctx.Err(); err != nil {
			return err
		}
		en := min(n, st+cr)
		blob := s.engine.encode(s.engine.codec, a.Data[st*rb:en*rb])
		if _, err := stmt.ExecContext(ctx, path, idx, blob); err != nil {
			return fmt.Errorf("write chunk %d of %s: %w", idx, path, err)
		}
	}
	return nil
}

// CommitVirtualDataset 登记虚拟数据集及其全部映射条目。
func (s *Sink) CommitVirtualDataset(ctx context.Context, path string, l *contract.VirtualLayout) error {
	if s.done {
		return fmt.Errorf("%w: sink closed", contract.ErrInvalidInput)
	}
	if l == nil || path == "" {
		return fmt.Errorf("%w: virtual dataset needs path and layout", contract.ErrInvalidInput)
	}
	if _, err := s.tx.ExecContext(ctx,
		"INSERT INTO virtual_datasets(path, dtype, shape, fill, codec) VALUES(?,?,?,?,?)",
		path, string(l.DType), encodeShape(l.Shape), l.Fill, s.engine.codec); err != nil {
		return fmt.Errorf("create virtual dataset %s: %w", path, err)
	}
	stmt, err := s.tx.PrepareContext(ctx,
		"INSERT INTO virtual_entries(path, seq, lead, source_file, source_path, nrows, rows, positions) VALUES(?,?,?,?,?,?,?,?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, e := range l.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows := s.engine.encode(s.engine.codec, encodeInts(e.Rows))
		pos := s.engine.encode(s.engine.codec, encodeInts(e.Positions))
		if _, err := stmt.ExecContext(ctx, path, i, e.Lead, e.SourceFile, e.SourcePath, len(e.Rows), rows, pos); err != nil {
			return fmt.Errorf("write entry %d of %s: %w", i, path, err)
		}
	}
	return nil
}

// Close 写入容器属性并提交事务。
func (s *Sink) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	attrs := [][2]string{
		{"format", FormatName},
		{"version", FormatVersion},
		{"created", time.Now().UTC().Format(time.RFC3339)},
	}
	if s.engine.creator != "" {
		attrs = append(attrs, [2]string{"creator", s.engine.creator})
	}
	for _, kv := range attrs {
		if _, err := s.tx.Exec("INSERT OR REPLACE INTO attrs(key, value) VALUES(?,?)", kv[0], kv[1]); err != nil {
			_ = s.tx.Rollback()
			_ = s.db.Close()
			return fmt.Errorf("%w: %s: %v", contract.ErrCommit, s.path, err)
		}
	}
	if err := s.tx.Commit(); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("%w: %s: %v", contract.ErrCommit, s.path, err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: %s: %v", contract.ErrCommit, s.path, err)
	}
	return nil
}

// Abort 回滚全部写入。重复调用或 Close 之后调用为 no-op。
func (s *Sink) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	rerr := s.tx.Rollback()
	cerr := s.db.Close()
	if rerr != nil {
		return rerr
	}
	return cerr
}
