package metricslog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/metrics"
	"OpenEcon-Agent/pkg/logger"
)

// maxLineBytes 是单行记录的上限，超出的行被跳过。
const maxLineBytes = 4 * 1024 * 1024

var errLineTooLong = errors.New("日志行超过长度上限")

// FileLog 将记录以 JSON Lines 追加到文件，每次追加持锁写入完整一行。
type FileLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

var _ Log = (*FileLog)(nil)

// OpenFile 打开（必要时创建）JSONL 日志文件。
func OpenFile(path string) (*FileLog, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "日志文件路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建日志目录失败")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开日志文件失败")
	}
	return &FileLog{path: path, file: file}, nil
}

// Path 返回文件路径。
func (f *FileLog) Path() string { return f.path }

// Append 实现 Log。
func (f *FileLog) Append(_ context.Context, record metrics.Record) error {
	line, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化咨询记录失败")
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return ErrClosed
	}
	if _, err := f.file.Write(line); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入咨询记录失败")
	}
	return nil
}

// Read 实现 Log；无法解析的行会被跳过。
func (f *FileLog) Read(ctx context.Context, limit int) ([]metrics.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []metrics.Record{}, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取日志文件失败")
	}
	defer file.Close()

	var (
		records []metrics.Record
		skipped int
	)
	reader := bufio.NewReaderSize(file, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := readLine(reader, maxLineBytes)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, errLineTooLong) {
			skipped++
			continue
		}
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取日志文件失败")
		}
		if len(line) == 0 {
			continue
		}
		var r metrics.Record
		if err := json.Unmarshal(line, &r); err != nil {
			skipped++
			continue
		}
		records = append(records, r)
	}
	if skipped > 0 {
		logger.Named("metricslog").Warn("跳过无法解析的日志行", "path", f.path, "skipped", skipped)
	}
	return tail(records, limit), nil
}

// readLine 读取下一行（不含换行符）。超过 limit 的行会被读完丢弃，
// 返回 errLineTooLong，读取位置停在下一行开头。
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var (
		line    []byte
		tooLong bool
	)
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && (len(line) > 0 || tooLong) {
				break
			}
			return nil, err
		}
		if !tooLong {
			if len(line)+len(chunk) > limit {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if !isPrefix {
			break
		}
	}
	if tooLong {
		return nil, errLineTooLong
	}
	return line, nil
}

// Close 实现 Log。
func (f *FileLog) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	if err != nil {
		return fmt.Errorf("关闭日志文件失败: %w", err)
	}
	return nil
}
