package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// 各客户端未显式配置 api_key_env 时的默认环境变量。
var defaultKeyEnv = map[string]string{
	"openai": "OPENROUTER_API_KEY",
	"gemini": "GOOGLE_API_KEY",
}

// DeriveKey 从客户端标识与其原样 Options JSON 中解析 API Key，
// 返回 client+sha256(key) 形式的限流分组键。凭据经 getenv 解析。
// 仅识别 "api_key" 与 "api_key_env"；mock/flaky 无 key 时使用内置 "MOCK_DEBUG_KEY"。
func DeriveKey(client string, raw json.RawMessage, getenv func(string) string) (LimitKey, error) {
	var obj map[string]any
	_ = json.Unmarshal(raw, &obj)
	pick := func(key string) string {
		if s, ok := obj[key].(string); ok {
			return s
		}
		return ""
	}

	key := pick("api_key")
	switch client {
	case "mock", "flaky":
		if key == "" {
			key = "MOCK_DEBUG_KEY"
		}
	default:
		if key == "" && getenv != nil {
			env := pick("api_key_env")
			if env == "" {
				env = defaultKeyEnv[client]
			}
			if env != "" {
				key = getenv(env)
			}
		}
	}
	if key == "" {
		return "", fmt.Errorf("rate: missing api key for client %s", client)
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(fmt.Sprintf("%s:%x", client, sum[:])), nil
}
