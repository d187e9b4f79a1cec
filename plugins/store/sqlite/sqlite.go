// Package sqlite 实现基于单个 SQLite 文件的数组容器引擎。
//
// 容器布局：
//   - attrs:            容器级属性（格式标识、版本、创建者）
//   - arrays:           普通数组元信息（dtype、shape、chunk 行数、codec）
//   - array_chunks:     按行切分的数据块（可 zstd 压缩）
//   - virtual_datasets: 虚拟数据集元信息（dtype、shape、填充值）
//   - virtual_entries:  虚拟数据集的稀疏 源行→目标位置 映射
//
// 写入经由单个事务完成，Close 提交、Abort 回滚；读者只能看到完整提交的容器。
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"vdsync/pkg/contract"
)

const (
	// FormatName 写入 attrs.format，用于识别本容器。
	FormatName = "vdsync-container"
	// FormatVersion 当前容器版本。
	FormatVersion = "1"

	CodecZstd = "zstd"
	CodecNone = "none"

	defaultChunkRows = 32
)

const schema = `
CREATE TABLE IF NOT EXISTS attrs (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS arrays (
	path       TEXT PRIMARY KEY,
	dtype      TEXT NOT NULL,
	shape      TEXT NOT NULL,
	chunk_rows INTEGER NOT NULL,
	codec      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS array_chunks (
	path TEXT NOT NULL,
	idx  INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (path, idx)
);
CREATE TABLE IF NOT EXISTS virtual_datasets (
	path  TEXT PRIMARY KEY,
	dtype TEXT NOT NULL,
	shape TEXT NOT NULL,
	fill  BLOB NOT NULL,
	codec TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS virtual_entries (
	path        TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	lead        INTEGER NOT NULL,
	source_file TEXT NOT NULL,
	source_path TEXT NOT NULL,
	nrows       INTEGER NOT NULL,
	rows        BLOB NOT NULL,
	positions   BLOB NOT NULL,
	PRIMARY KEY (path, seq)
);`

// Options 为引擎的可选配置。
type Options struct {
	// ChunkRows: 新建数组每个 chunk 的行数，默认 32。
	ChunkRows int `json:"chunk_rows"`
	// Codec: chunk 压缩方式，zstd（默认）或 none。
	Codec string `json:"codec"`
	// Creator: 写入 attrs.creator 的标识（可选）。
	Creator string `json:"creator"`
}

// Engine 实现 contract.Engine。并发安全：编解码器可被多个 Source/Sink 共享。
type Engine struct {
	chunkRows int
	codec     string
	creator   string
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

var _ contract.Engine = (*Engine)(nil)

// New 创建引擎。
func New(opts *Options) (*Engine, error) {
	e := &Engine{chunkRows: defaultChunkRows, codec: CodecZstd}
	if opts != nil {
		if opts.ChunkRows < 0 {
			return nil, fmt.Errorf("%w: chunk_rows must be >= 0", contract.ErrInvalidInput)
		}
		if opts.ChunkRows > 0 {
			e.chunkRows = opts.ChunkRows
		}
		switch opts.Codec {
		case "":
		case CodecZstd, CodecNone:
			e.codec = opts.Codec
		default:
			return nil, fmt.Errorf("%w: unknown codec %q", contract.ErrInvalidInput, opts.Codec)
		}
		e.creator = opts.Creator
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	e.enc, e.dec = enc, dec
	return e, nil
}

// Close 释放编解码器。
func (e *Engine) Close() error {
	e.dec.Close()
	return e.enc.Close()
}

// OpenForRead 打开容器只读。
func (e *Engine) OpenForRead(ctx context.Context, path string) (contract.Source, error) {
	return e.open(ctx, path)
}

func (e *Engine) open(ctx context.Context, path string) (*Source, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", contract.ErrNotFound, path)
		}
		return nil, err
	}
	if !fi.Mode().IsRegular() || fi.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is not a container", contract.ErrCorrupt, path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA query_only=1"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %s: %v", contract.ErrCorrupt, path, err)
	}
	var format string
	err = db.QueryRowContext(ctx, "SELECT value FROM attrs WHERE key='format'").Scan(&format)
	if err != nil || format != FormatName {
		_ = db.Close()
		if err == nil {
			err = fmt.Errorf("format %q", format)
		}
		return nil, fmt.Errorf("%w: %s: %v", contract.ErrCorrupt, path, err)
	}
	return &Source{engine: e, db: db, path: path, cache: map[string]*arrayMeta{}}, nil
}

// Create 在 path 新建容器。允许 path 为预先创建的空文件（暂存文件）。
func (e *Engine) Create(ctx context.Context, path string) (contract.Sink, error) {
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		return nil, fmt.Errorf("%w: %s already exists", contract.ErrInvalidInput, path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("begin %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		_ = tx.Rollback()
		_ = db.Close()
		return nil, fmt.Errorf("create schema %s: %w", path, err)
	}
	return &Sink{engine: e, db: db, tx: tx, path: path}, nil
}

func (e *Engine) encode(codec string, b []byte) []byte {
	if codec == CodecNone {
		return b
	}
	return e.enc.EncodeAll(b, make([]byte, 0, len(b)/2+16))
}

func (e *Engine) decode(codec string, b []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return b, nil
	case CodecZstd:
		out, err := e.dec.DecodeAll(b, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", contract.ErrCorrupt, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %q", contract.ErrCorrupt, codec)
	}
}

// resolveSource 将虚拟映射中的源文件名解析为可打开的路径：相对路径以容器所在目录为基准。
func resolveSource(container, source string) string {
	if filepath.IsAbs(source) {
		return source
	}
	return filepath.Join(filepath.Dir(container), filepath.FromSlash(source))
}

func encodeShape(shape []int) string {
	b, _ := json.Marshal(shape)
	return string(b)
}

func decodeShape(s string) ([]int, error) {
	var shape []int
	if err := json.Unmarshal([]byte(s), &shape); err != nil {
		return nil, fmt.Errorf("%w: shape %q", contract.ErrCorrupt, s)
	}
	return shape, nil
}

// encodeInts 以 uvarint 序列编码非负整数。
func encodeInts(v []int) []byte {
	out := make([]byte, 0, len(v)*2)
	for _, x := range v {
		out = binary.AppendUvarint(out, uint64(x))
	}
	return out
}

func decodeInts(b []byte, n int) ([]int, error) {
	out := make([]int, 0, n)
	for len(b) > 0 {
		x, k := binary.Uvarint(b)
		if k <= 0 {
			return nil, fmt.Errorf("%w: bad varint", contract.ErrCorrupt)
		}
		out = append(out, int(x))
		b = b[k:]
	}
	if len(out) != n {
		return nil, fmt.Errorf("%w: expected %d ints, got %d", contract.ErrCorrupt, n, len(out))
	}
	return out, nil
}

func matchPrefix(path, prefix string) bool {
	return prefix == "" || strings.HasPrefix(path, prefix)
}
