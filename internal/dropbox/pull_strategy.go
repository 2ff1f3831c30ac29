package dropbox

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/apk-analysis/app-compat-harness/internal/hostexec"
	"github.com/sirupsen/logrus"
)

const (
	deviceDropboxDir  = "/data/system/dropbox/"
	remoteArchivePath = "/data/local/tmp/dropbox.tar.gz"
)

// PullStrategy 在设备端打包 dropbox 目录下的记录文件，拉取到主机后解压读取
// 依赖设备端 tar 和主机端 tar / gzip
type PullStrategy struct {
	dev    Device
	runner hostexec.Runner
	opts   Options
	logger *logrus.Logger
}

func NewPullStrategy(dev Device, runner hostexec.Runner, opts Options, logger *logrus.Logger) *PullStrategy {
	return &PullStrategy{dev: dev, runner: runner, opts: opts, logger: logger}
}

func (s *PullStrategy) Name() string {
	return StrategyPull
}

func (s *PullStrategy) Extract(ctx context.Context, req Request) ([]domain.DropboxEntry, error) {
	files, err := s.listEntryFiles(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	tar, err := s.dev.ShellWithTimeout(ctx, s.opts.PullTimeout,
		fmt.Sprintf("tar -czf %s %s", remoteArchivePath, strings.Join(files, " ")))
	if err != nil {
		return nil, err
	}
	if !tar.Succeeded() {
		return nil, fmt.Errorf("tar command failed on device: status %s, stderr: %s", tar.Status, strings.TrimSpace(tar.Stderr))
	}

	tmpDir, err := s.opts.mkdirTemp("dropbox-pull-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	localArchive := filepath.Join(tmpDir, path.Base(remoteArchivePath))
	pullErr := s.dev.Pull(ctx, remoteArchivePath, localArchive)
	if domain.IsDeviceUnavailable(pullErr) {
		return nil, pullErr
	}
	if err := s.removeRemoteArchive(ctx); err != nil {
		return nil, err
	}
	if pullErr != nil {
		return nil, fmt.Errorf("adb pull command failed: %w", pullErr)
	}

	untar := s.runner.Run(ctx, s.opts.HostToolTimeout, "tar", "-xzf", localArchive, "-C", tmpDir)
	if !untar.Succeeded() {
		return nil, fmt.Errorf("decompress command failed: status %s, stderr: %s", untar.Status, strings.TrimSpace(untar.Stderr))
	}

	return s.readEntryFiles(filepath.Join(tmpDir, filepath.FromSlash(strings.TrimPrefix(deviceDropboxDir, "/"))))
}

// listEntryFiles 列出设备上 tag 和时间窗口都匹配的记录文件
func (s *PullStrategy) listEntryFiles(ctx context.Context, req Request) ([]string, error) {
	ls, err := s.dev.ShellWithTimeout(ctx, s.opts.PullTimeout, "ls "+deviceDropboxDir)
	if err != nil {
		return nil, err
	}
	if !ls.Succeeded() {
		return nil, fmt.Errorf("ls command failed on device: status %s, stderr: %s", ls.Status, strings.TrimSpace(ls.Stderr))
	}

	var files []string
	for _, name := range strings.Fields(ls.Stdout) {
		entryFile, err := ParseEntryFileName(name)
		if err != nil {
			return nil, err
		}
		if !req.Tags.Contains(entryFile.Tag) {
			continue
		}
		// 结束时间在提取后再按开区间过滤
		if req.Start != nil && entryFile.Time.Before(*req.Start) {
			continue
		}
		if req.End != nil && req.End.Before(entryFile.Time) {
			continue
		}
		files = append(files, path.Join(deviceDropboxDir, name))
	}
	return files, nil
}

func (s *PullStrategy) removeRemoteArchive(ctx context.Context) error {
	rm, err := s.dev.ShellWithTimeout(ctx, s.opts.PullTimeout, "rm -rf "+remoteArchivePath)
	if err != nil {
		return err
	}
	if !rm.Succeeded() {
		s.logger.WithField("stderr", strings.TrimSpace(rm.Stderr)).Warn("Failed to remove dropbox archive from device")
	}
	return nil
}

func (s *PullStrategy) readEntryFiles(dir string) ([]domain.DropboxEntry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list extracted dropbox files: %w", err)
	}

	var entries []domain.DropboxEntry
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		entryFile, err := ParseEntryFileName(de.Name())
		if err != nil {
			return nil, err
		}

		filePath := filepath.Join(dir, de.Name())
		var data string
		switch entryFile.Ext {
		case "txt.gz":
			data, err = readGzipText(filePath)
		case "txt":
			data, err = readText(filePath)
		default:
			// lost, dat.gz 等不含文本
			continue
		}
		if err != nil {
			return nil, err
		}

		entries = append(entries, domain.DropboxEntry{
			Time: entryFile.Time,
			Tag:  entryFile.Tag,
			Data: data,
		})
	}
	return entries, nil
}

func readText(filePath string) (string, error) {
	b, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", filePath, err)
	}
	return string(b), nil
}

func readGzipText(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to decompress %s: %w", filePath, err)
	}
	defer zr.Close()

	b, err := io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("failed to decompress %s: %w", filePath, err)
	}
	return string(b), nil
}
