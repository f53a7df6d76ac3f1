package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Store 负责按 generation 分区保存响应快照。所有实现都需要保证单键写入原子，
// 同一 Identity 的并发写入以最后完成者为准。
type Store interface {
	// Get 返回指定 generation 中的快照；未命中时返回 (nil, false, nil)。
	Get(ctx context.Context, generation string, id Identity) (*StoredResponse, bool, error)

	// Put 覆盖写入快照，generation 不存在时隐式创建。
	Put(ctx context.Context, generation string, id Identity, resp *StoredResponse) error

	// DeleteGeneration 删除整个 generation，返回其删除前是否存在。
	DeleteGeneration(ctx context.Context, name string) (bool, error)

	// ListGenerations 返回当前存在的全部 generation 名称（已排序）。
	ListGenerations(ctx context.Context) ([]string, error)
}

const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
)

var (
	// ErrNotCacheable 表示该 Identity 的方法不允许写入缓存（仅支持 GET）。
	ErrNotCacheable = errors.New("request is not cacheable")
	// ErrInvalidGeneration 表示 generation 名称为空或包含路径分隔符。
	ErrInvalidGeneration = errors.New("invalid generation name")
)

// Open 根据 backend 名称构建 Store，path 为存储根目录。
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFS:
		return NewStore(path)
	case BackendSQLite:
		store, err := NewSQLiteStore(filepath.Join(path, "swproxy.db"))
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", backend)
	}
}

// MatchAny 依次在 preferred generation 中查找，随后按名称顺序扫描其余 generation，
// 返回第一个命中的快照及其所在 generation。
func MatchAny(ctx context.Context, store Store, id Identity, preferred ...string) (*StoredResponse, string, bool, error) {
	seen := make(map[string]struct{}, len(preferred))
	for _, name := range preferred {
		if name == "" {
			continue
		}
		seen[name] = struct{}{}
		resp, ok, err := store.Get(ctx, name, id)
		if err != nil {
			return nil, "", false, err
		}
		if ok {
			return resp, name, true, nil
		}
	}

	names, err := store.ListGenerations(ctx)
	if err != nil {
		return nil, "", false, err
	}
	for _, name := range names {
		if _, skip := seen[name]; skip {
			continue
		}
		resp, ok, err := store.Get(ctx, name, id)
		if err != nil {
			return nil, "", false, err
		}
		if ok {
			return resp, name, true, nil
		}
	}
	return nil, "", false, nil
}

func validateGeneration(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidGeneration
	}
	if strings.ContainsAny(name, `/\`) {
		return ErrInvalidGeneration
	}
	return nil
}

func sortedNames(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
