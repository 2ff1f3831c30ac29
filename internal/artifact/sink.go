package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/sirupsen/logrus"
)

// Sink 测试产物的去向
type Sink interface {
	AddArtifact(ctx context.Context, name string, dataType domain.LogDataType, r io.Reader) error
}

// AddBytes 保存内存中的产物
func AddBytes(ctx context.Context, sink Sink, name string, dataType domain.LogDataType, data []byte) error {
	return sink.AddArtifact(ctx, name, dataType, bytes.NewReader(data))
}

// AddFile 保存本地文件
func AddFile(ctx context.Context, sink Sink, name string, dataType domain.LogDataType, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open artifact %s: %w", path, err)
	}
	defer f.Close()
	return sink.AddArtifact(ctx, name, dataType, f)
}

// Index 记录产物位置
type Index interface {
	Save(ctx context.Context, artifact *domain.RunArtifact) error
}

var nameReplacer = strings.NewReplacer("/", "_", "\\", "_", "\x00", "")

// DirSink 把产物写到 <dir>/<runID>/ 下，可选地写入索引
type DirSink struct {
	dir    string
	runID  string
	index  Index
	logger *logrus.Logger

	mu    sync.Mutex
	saved []domain.RunArtifact
}

// NewDirSink 创建目录产物存储，index 可以为 nil
func NewDirSink(baseDir, runID string, index Index, logger *logrus.Logger) (*DirSink, error) {
	dir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &DirSink{dir: dir, runID: runID, index: index, logger: logger}, nil
}

// Dir 产物目录
func (s *DirSink) Dir() string {
	return s.dir
}

func (s *DirSink) AddArtifact(ctx context.Context, name string, dataType domain.LogDataType, r io.Reader) error {
	if !dataType.IsValid() {
		return fmt.Errorf("unknown artifact data type %q", dataType)
	}

	s.mu.Lock()
	path := s.uniquePath(nameReplacer.Replace(name), dataType.FileExt())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to create artifact %s: %w", name, err)
	}

	size, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write artifact %s: %w", name, err)
	}

	record := domain.RunArtifact{
		RunID:     s.runID,
		Name:      name,
		DataType:  dataType,
		Path:      path,
		SizeBytes: size,
	}
	if s.index != nil {
		if err := s.index.Save(ctx, &record); err != nil {
			s.logger.WithError(err).WithField("artifact", name).Warn("Failed to index artifact")
		}
	}

	s.mu.Lock()
	s.saved = append(s.saved, record)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"run_id": s.runID,
		"name":   name,
		"type":   dataType,
		"size":   size,
	}).Debug("Artifact saved")
	return nil
}

// Saved 已保存的产物
func (s *DirSink) Saved() []domain.RunArtifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RunArtifact(nil), s.saved...)
}

// uniquePath 同名产物追加序号
func (s *DirSink) uniquePath(base, ext string) string {
	path := filepath.Join(s.dir, base+ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(s.dir, fmt.Sprintf("%s_%d%s", base, i, ext))
	}
}
