package tools

import (
	"regexp"
)

// MaskedValue 是脱敏后的占位值。
const MaskedValue = "******"

var sensitiveKey = regexp.MustCompile(`(?i)(api_?key|secret|token|password)`)

// MaskConfig 返回 cfg 的副本, 其中敏感字段的值被替换为 MaskedValue。嵌套的 map 同样处理。
func MaskConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		switch {
		case sensitiveKey.MatchString(k):
			if s, ok := v.(string); ok && s == "" {
				out[k] = s
			} else {
				out[k] = MaskedValue
			}
		default:
			if nested, ok := v.(map[string]any); ok {
				out[k] = MaskConfig(nested)
			} else {
				out[k] = v
			}
		}
	}
	return out
}
