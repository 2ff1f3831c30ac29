package watcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// processedDir 处理完的列表移入该子目录
const processedDir = "processed"

// PackageHandler 处理列表中的一个包
type PackageHandler func(ctx context.Context, packageName string) error

// InboxWatcher 监听收件箱目录中的 *.txt 包列表
type InboxWatcher struct {
	watcher  *fsnotify.Watcher
	inboxDir string
	handler  PackageHandler
	logger   *logrus.Logger
	debounce time.Duration // 同一文件连续写入只处理一次
	settle   time.Duration // 判断写入完成时两次 stat 的间隔

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool
	stopOnce   sync.Once
	stopChan   chan struct{}
}

// NewInboxWatcher 创建收件箱监听
func NewInboxWatcher(inboxDir string, handler PackageHandler, logger *logrus.Logger) (*InboxWatcher, error) {
	if err := os.MkdirAll(filepath.Join(inboxDir, processedDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create inbox directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(inboxDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", inboxDir, err)
	}

	logger.WithField("inbox_dir", inboxDir).Info("Inbox watcher created")

	return &InboxWatcher{
		watcher:    w,
		inboxDir:   inboxDir,
		handler:    handler,
		logger:     logger,
		debounce:   2 * time.Second,
		settle:     500 * time.Millisecond,
		timers:     make(map[string]*time.Timer),
		processing: make(map[string]bool),
		stopChan:   make(chan struct{}),
	}, nil
}

// Start 处理已有文件并开始监听
func (iw *InboxWatcher) Start(ctx context.Context) error {
	entries, err := os.ReadDir(iw.inboxDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() && isPackageList(e.Name()) {
			iw.schedule(ctx, filepath.Join(iw.inboxDir, e.Name()))
		}
	}

	go iw.eventLoop(ctx)
	iw.logger.Info("Inbox watcher started")
	return nil
}

func (iw *InboxWatcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-iw.stopChan:
			return
		case event, ok := <-iw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isPackageList(filepath.Base(event.Name)) {
				continue
			}
			iw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  filepath.Base(event.Name),
			}).Debug("Inbox event detected")
			iw.schedule(ctx, event.Name)

		case err, ok := <-iw.watcher.Errors:
			if !ok {
				return
			}
			iw.logger.WithError(err).Error("Watcher error")
		}
	}
}

func (iw *InboxWatcher) schedule(ctx context.Context, path string) {
	iw.mu.Lock()
	defer iw.mu.Unlock()

	if t, ok := iw.timers[path]; ok {
		t.Stop()
	}
	iw.timers[path] = time.AfterFunc(iw.debounce, func() {
		iw.mu.Lock()
		delete(iw.timers, path)
		iw.mu.Unlock()
		iw.handleFile(ctx, path)
	})
}

func (iw *InboxWatcher) handleFile(ctx context.Context, path string) {
	iw.mu.Lock()
	if iw.processing[path] {
		iw.mu.Unlock()
		return
	}
	iw.processing[path] = true
	iw.mu.Unlock()

	defer func() {
		iw.mu.Lock()
		delete(iw.processing, path)
		iw.mu.Unlock()
	}()

	log := iw.logger.WithField("file", filepath.Base(path))

	if err := iw.waitForFileReady(path); err != nil {
		log.WithError(err).Warn("Package list not ready")
		return
	}

	packages, err := readPackageList(path)
	if err != nil {
		log.WithError(err).Error("Failed to read package list")
		return
	}

	// 先移走再提交，重复的写事件不会再次触发
	dest := filepath.Join(iw.inboxDir, processedDir, fmt.Sprintf("%s.%d", filepath.Base(path), time.Now().UnixNano()))
	if err := os.Rename(path, dest); err != nil {
		log.WithError(err).Error("Failed to move package list")
		return
	}

	var failed int
	for _, pkg := range packages {
		if err := iw.handler(ctx, pkg); err != nil {
			failed++
			log.WithError(err).WithField("package", pkg).Error("Failed to submit package")
		}
	}

	log.WithFields(logrus.Fields{
		"packages": len(packages),
		"failed":   failed,
	}).Info("Package list processed")
}

func (iw *InboxWatcher) waitForFileReady(path string) error {
	const maxAttempts = 10
	var last int64 = -1
	for i := 0; i < maxAttempts; i++ {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() == last {
			return nil
		}
		last = info.Size()
		time.Sleep(iw.settle)
	}
	return fmt.Errorf("file still growing after %d checks", maxAttempts)
}

// Stop 停止监听
func (iw *InboxWatcher) Stop() error {
	var err error
	iw.stopOnce.Do(func() {
		close(iw.stopChan)
		iw.mu.Lock()
		for _, t := range iw.timers {
			t.Stop()
		}
		iw.mu.Unlock()
		err = iw.watcher.Close()
	})
	return err
}

func isPackageList(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".txt")
}

func readPackageList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParsePackageList(f)
}

// ParsePackageList 每行一个包名，# 开头为注释，空行和重复项忽略
func ParsePackageList(r io.Reader) ([]string, error) {
	var packages []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		packages = append(packages, line)
	}
	return packages, scanner.Err()
}
