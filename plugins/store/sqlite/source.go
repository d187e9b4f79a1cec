package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"vdsync/pkg/contract"
)

type arrayMeta struct {
	info      contract.ArrayInfo
	chunkRows int
	codec     string
	fill      []byte
}

// Source 实现 contract.Source 与 contract.VirtualReader。
// 非并发安全：由处理该模块的 worker 独占持有。
type Source struct {
	engine *Engine
	db     *sql.DB
	path   string
	cache  map[string]*arrayMeta

	// 最近解码的 chunk
	lastPath  string
	lastChunk int
	lastData  []byte
}

var (
	_ contract.Source        = (*Source)(nil)
	_ contract.VirtualReader = (*Source)(nil)
)

func (s *Source) Path() string { return s.path }

// List 返回 prefix 下的全部数组与虚拟数据集路径（字典序）。
func (s *Source) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT path FROM arrays UNION SELECT path FROM virtual_datasets ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.path, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		if matchPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *Source) Describe(ctx context.Context, path string) (contract.ArrayInfo, error) {
	m, err := s.meta(ctx, path)
	if err != nil {
		return contract.ArrayInfo{}, err
	}
	info := m.info
	info.Shape = append([]int(nil), m.info.Shape...)
	return info, nil
}

func (s *Source) meta(ctx context.Context, path string) (*arrayMeta, error) {
	if m, ok := s.cache[path]; ok {
		return m, nil
	}
	var (
		dtype, shape, codec string
		chunkRows           int
	)
	err := s.db.QueryRowContext(ctx, "SELECT dtype, shape, chunk_rows, codec FROM arrays WHERE path=?", path).
		Scan(&dtype, &shape, &chunkRows, &codec)
	if err == nil {
		sh, err := decodeShape(shape)
		if err != nil {
			return nil, err
		}
		m := &arrayMeta{info: contract.ArrayInfo{Path: path, DType: contract.DType(dtype), Shape: sh}, chunkRows: chunkRows, codec: codec}
		if !m.info.DType.Valid() || chunkRows <= 0 || len(sh) == 0 {
			return nil, fmt.Errorf("%w: array %s metadata", contract.ErrCorrupt, path)
		}
		s.cache[path] = m
		return m, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("describe %s: %w", path, err)
	}
	var fill []byte
	err = s.db.QueryRowContext(ctx, "SELECT dtype, shape, fill, codec FROM virtual_datasets WHERE path=?", path).
		Scan(&dtype, &shape, &fill, &codec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dataset %s in %s", contract.ErrNotFound, path, s.path)
	}
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", path, err)
	}
	sh, err := decodeShape(shape)
	if err != nil {
		return nil, err
	}
	m := &arrayMeta{info: contract.ArrayInfo{Path: path, DType: contract.DType(dtype), Shape: sh, Virtual: true}, codec: codec, fill: fill}
	if !m.info.DType.Valid() || len(sh) < 2 || len(fill) != m.info.DType.Size() {
		return nil, fmt.Errorf("%w: virtual dataset %s metadata", contract.ErrCorrupt, path)
	}
	s.cache[path] = m
	return m, nil
}

// ReadArray 读取整个数组；虚拟数据集按映射物化，未覆盖位置为填充值。
func (s *Source) ReadArray(ctx context.Context, path string) (contract.Array, error) {
	m, err := s.meta(ctx, path)
	if err != nil {
		return contract.Array{}, err
	}
	if m.info.Virtual {
		v, err := s.view(ctx, path)
		if err != nil {
			return contract.Array{}, err
		}
		defer v.Close()
		return v.Materialize(ctx)
	}
	return s.ReadSlice(ctx, path, 0, m.info.Shape[0])
}

// ReadSlice 读取首维 [rowStart, rowEnd)。
func (s *Source) ReadSlice(ctx context.Context, path string, rowStart, rowEnd int) (contract.Array, error) {
	m, err := s.plain(ctx, path)
	if err != nil {
		return contract.Array{}, err
	}
	n := m.info.Shape[0]
	if rowStart < 0 || rowEnd > n || rowStart > rowEnd {
		return contract.Array{}, fmt.Errorf("%w: rows [%d,%d) outside [0,%d) of %s", contract.ErrInvalidInput, rowStart, rowEnd, n, path)
	}
	rows := make([]int, 0, rowEnd-rowStart)
	for r := rowStart; r < rowEnd; r++ {
		rows = append(rows, r)
	}
	return s.readRows(ctx, m, rows)
}

// ReadRows 按给定物理行读取，结果行序与 rows 一致。
func (s *Source) ReadRows(ctx context.Context, path string, rows []int) (contract.Array, error) {
	m, err := s.plain(ctx, path)
	if err != nil {
		return contract.Array{}, err
	}
	for _, r := range rows {
		if r < 0 || r >= m.info.Shape[0] {
			return contract.Array{}, fmt.Errorf("%w: row %d outside [0,%d) of %s", contract.ErrInvalidInput, r, m.info.Shape[0], path)
		}
	}
	return s.readRows(ctx, m, rows)
}

func (s *Source) plain(ctx context.Context, path string) (*arrayMeta, error) {
	m, err := s.meta(ctx, path)
	if err != nil {
		return nil, err
	}
	if m.info.Virtual {
		return nil, fmt.Errorf("%w: %s is a virtual dataset", contract.ErrInvalidInput, path)
	}
	return m, nil
}

func (s *Source) readRows(ctx context.Context, m *arrayMeta, rows []int) (contract.Array, error) {
	a := contract.Array{DType: m.info.DType, Shape: append([]int{len(rows)}, m.info.Shape[1:]...)}
	rb := a.RowBytes()
	a.Data = make([]byte, len(rows)*rb)
	for i, r := range rows {
		chunk, err := s.chunk(ctx, m, r/m.chunkRows)
		if err != nil {
			return contract.Array{}, err
		}
		off := (r % m.chunkRows) * rb
		if off+rb > len(chunk) {
			return contract.Array{}, fmt.Errorf("%w: chunk %d of %s truncated", contract.ErrCorrupt, r/m.chunkRows, m.info.Path)
		}
		copy(a.Data[i*rb:], chunk[off:off+rb])
	}
	return a, nil
}

func (s *Source) chunk(ctx context.Context, m *arrayMeta, idx int) ([]byte, error) {
	if s.lastData != nil && s.lastPath == m.info.Path && s.lastChunk == idx {
		return s.lastData, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var blob []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM array_chunks WHERE path=? AND idx=?", m.info.Path, idx).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: chunk %d of %s missing", contract.ErrCorrupt, idx, m.info.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("read chunk %d of %s: %w", idx, m.info.Path, err)
	}
	data, err := s.engine.decode(m.codec, blob)
	if err != nil {
		return nil, err
	}
	s.lastPath, s.lastChunk, s.lastData = m.info.Path, idx, data
	return data, nil
}

// ReadVirtualLayout 读回虚拟数据集的布局（按登记顺序）。
func (s *Source) ReadVirtualLayout(ctx context.Context, path string) (*contract.VirtualLayout, error) {
	m, err := s.meta(ctx, path)
	if err != nil {
		return nil, err
	}
	if !m.info.Virtual {
		return nil, fmt.Errorf("%w: %s is not a virtual dataset", contract.ErrInvalidInput, path)
	}
	l, err := contract.NewVirtualLayout(m.info.DType, m.info.Shape, m.fill)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contract.ErrCorrupt, err)
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT lead, source_file, source_path, nrows, rows, positions FROM virtual_entries WHERE path=? ORDER BY seq", path)
	if err != nil {
		return nil, fmt.Errorf("read entries of %s: %w", path, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e          contract.VirtualEntry
			n          int
			rb, pb     []byte
			rraw, praw []byte
		)
		if err := rows.Scan(&e.Lead, &e.SourceFile, &e.SourcePath, &n, &rraw, &praw); err != nil {
			return nil, err
		}
		if rb, err = s.engine.decode(m.codec, rraw); err != nil {
			return nil, err
		}
		if pb, err = s.engine.decode(m.codec, praw); err != nil {
			return nil, err
		}
		if e.Rows, err = decodeInts(rb, n); err != nil {
			return nil, err
		}
		if e.Positions, err = decodeInts(pb, n); err != nil {
			return nil, err
		}
		if err := l.Declare(e); err != nil {
			return nil, fmt.Errorf("%w: %v", contract.ErrCorrupt, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return l, nil
}

// Attrs 返回容器属性。
func (s *Source) Attrs(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM attrs")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *Source) Close() error {
	s.lastData = nil
	return s.db.Close()
}
