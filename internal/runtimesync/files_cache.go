package runtimesync

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"chain-registry-go/internal/keylock"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/blake2b"
)

// ErrNotInCache marks a schema file that was never downloaded.
var ErrNotInCache = errors.New("not in cache")

const baseTypesKey = "types/default.json"

// Fingerprint identifies schema content: 0x-prefixed blake2b-256.
func Fingerprint(b []byte) string {
	h := blake2b.Sum256(b)
	return hexutil.Encode(h[:])
}

// FilesCache stores chain metadata and the shared base type definitions as
// lz4 compressed files under dir.
type FilesCache struct {
	dir   string
	locks *keylock.KeyedMutex
}

func NewFilesCache(dir string) (*FilesCache, error) {
	for _, sub := range []string{"metadata", "types"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	return &FilesCache{dir: dir, locks: keylock.New()}, nil
}

func (c *FilesCache) GetChainMetadata(chainID string) ([]byte, error) {
	return c.read(metadataKey(chainID))
}

// SaveChainMetadata reports whether the stored bytes changed.
func (c *FilesCache) SaveChainMetadata(chainID string, raw []byte) (bool, error) {
	return c.write(metadataKey(chainID), raw)
}

func (c *FilesCache) GetBaseTypes() ([]byte, error) {
	return c.read(baseTypesKey)
}

func (c *FilesCache) SaveBaseTypes(raw []byte) (bool, error) {
	return c.write(baseTypesKey, raw)
}

func (c *FilesCache) read(key string) ([]byte, error) {
	// #nosec G304 - 路径由 cache dir + 清洗后的 chain id 组成
	f, err := os.Open(c.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotInCache)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(lz4.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", key, err)
	}
	return data, nil
}

// write 按 key 加锁，重新读取，内容相同则跳过
func (c *FilesCache) write(key string, raw []byte) (bool, error) {
	return keylock.Upsert(c.locks, key,
		func() ([]byte, bool, error) {
			stored, err := c.read(key)
			if err != nil {
				// 不存在或已损坏，直接覆盖
				return nil, false, nil
			}
			return stored, true, nil
		},
		func(stored []byte) bool { return bytes.Equal(stored, raw) },
		func() error { return c.store(key, raw) },
	)
}

func (c *FilesCache) store(key string, raw []byte) error {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	path := c.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (c *FilesCache) path(key string) string {
	return filepath.Join(c.dir, filepath.FromSlash(key)+".lz4")
}

var unsafeChars = strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")

func metadataKey(chainID string) string {
	return "metadata/" + unsafeChars.Replace(chainID) + ".scale"
}
