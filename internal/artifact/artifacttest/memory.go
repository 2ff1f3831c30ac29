// Package artifacttest 提供测试用的内存产物存储
package artifacttest

import (
	"context"
	"io"
	"sync"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
)

// Artifact 一个已保存的产物
type Artifact struct {
	Name     string
	DataType domain.LogDataType
	Data     []byte
}

// MemorySink 内存产物存储
type MemorySink struct {
	mu        sync.Mutex
	artifacts []Artifact
	Err       error // 非 nil 时 AddArtifact 返回该错误
}

func (m *MemorySink) AddArtifact(_ context.Context, name string, dataType domain.LogDataType, r io.Reader) error {
	if m.Err != nil {
		return m.Err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts = append(m.artifacts, Artifact{Name: name, DataType: dataType, Data: data})
	return nil
}

// Artifacts 已保存的产物
func (m *MemorySink) Artifacts() []Artifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Artifact(nil), m.artifacts...)
}

// Get 按名称查找
func (m *MemorySink) Get(name string) (Artifact, bool) {
	for _, a := range m.Artifacts() {
		if a.Name == name {
			return a, true
		}
	}
	return Artifact{}, false
}

// Names 产物名称列表
func (m *MemorySink) Names() []string {
	var names []string
	for _, a := range m.Artifacts() {
		names = append(names, a.Name)
	}
	return names
}
