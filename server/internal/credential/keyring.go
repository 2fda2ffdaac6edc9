package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// ErrNoKey 重新读取后仍然没有可用的 key。
var ErrNoKey = errors.New("no api key available")

// keyNames 依次查找的变量名。
var keyNames = []string{"GEMINI_API_KEY", "API_KEY"}

// KeyRing 持有当前选中的 API key。
//
// 重新授权（SelectKey）时从 key 文件（dotenv 格式）或进程环境重新读取，
// 因此可以在不重启服务的情况下换一把 key。
type KeyRing struct {
	mu      sync.RWMutex
	key     string
	keyFile string
	// selections 成功选择的次数，用于诊断。
	selections int
}

// NewKeyRing initial 为启动时的 key（可为空），keyFile 为空时只看环境变量。
func NewKeyRing(initial, keyFile string) *KeyRing {
	return &KeyRing{key: strings.TrimSpace(initial), keyFile: keyFile}
}

// APIKey 当前 key。
func (k *KeyRing) APIKey() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.key
}

// HasSelectedKey 报告当前是否有 key。
func (k *KeyRing) HasSelectedKey(ctx context.Context) bool {
	return k.APIKey() != ""
}

// SelectKey 重新读取 key。读到的 key 为空时返回 ErrNoKey 并保留旧值。
func (k *KeyRing) SelectKey(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := k.read()
	if err != nil {
		return err
	}
	if key == "" {
		return ErrNoKey
	}

	k.mu.Lock()
	k.key = key
	k.selections++
	k.mu.Unlock()
	return nil
}

// Set 显式设置 key（例如由前端提交）。
func (k *KeyRing) Set(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrNoKey
	}
	k.mu.Lock()
	k.key = key
	k.selections++
	k.mu.Unlock()
	return nil
}

// Selections 成功选择 key 的次数。
func (k *KeyRing) Selections() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.selections
}

func (k *KeyRing) read() (string, error) {
	if k.keyFile != "" {
		vals, err := godotenv.Read(k.keyFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("read key file: %w", err)
		}
		for _, name := range keyNames {
			if v := strings.TrimSpace(vals[name]); v != "" {
				return v, nil
			}
		}
	}
	for _, name := range keyNames {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v, nil
		}
	}
	return "", nil
}

// Mask 只保留末四位，用于展示与日志。
func Mask(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "****"
	}
	return strings.Repeat("*", 4) + key[len(key)-4:]
}
