package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整个进程复用一份实例。
// 布局：<basePath>/<generation>/<digest[:2]>/<digest>.resp
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 串行化同一条目的写入，不同条目之间互不阻塞。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Get(ctx context.Context, generation string, id Identity) (*StoredResponse, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !id.Cacheable() {
		return nil, false, nil
	}

	filePath, err := s.entryPath(generation, id)
	if err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) && isDirectoryError(filePath) {
			return nil, false, nil
		}
		return nil, false, err
	}

	resp, err := decodeEntry(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", filePath, err)
	}
	return resp, true, nil
}

func (s *fileStore) Put(ctx context.Context, generation string, id Identity, resp *StoredResponse) error {
	if !id.Cacheable() {
		return ErrNotCacheable
	}
	filePath, err := s.entryPath(generation, id)
	if err != nil {
		return err
	}

	payload, err := encodeEntry(resp)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(generation + "::" + id.Key())
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, bytes.NewReader(payload))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) DeleteGeneration(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateGeneration(name); err != nil {
		return false, err
	}
	dir := filepath.Join(s.basePath, name)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStore) ListGenerations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && validateGeneration(entry.Name()) == nil {
			set[entry.Name()] = struct{}{}
		}
	}
	return sortedNames(set), nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryPath(generation string, id Identity) (string, error) {
	if err := validateGeneration(generation); err != nil {
		return "", err
	}
	digest := id.Digest()
	return filepath.Join(s.basePath, generation, digest[:2], digest+".resp"), nil
}

func isDirectoryError(filePath string) bool {
	info, err := os.Stat(filePath)
	return err == nil && info.IsDir()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
