// keys/keys.go
// 统一的 Key 定义包，供存储与各管理器共同使用
package keys

import (
	"fmt"
	"strings"
)

// ===================== 版本控制 =====================
// 设置全局 Key 版本前缀（例如 "v1" → 产出 "v1_<key>"）。
// 如需立刻兼容旧数据，暂时将 KeyVersion 设为 "" 即可不加版本前缀。
const KeyVersion = "v1"

// withVer 把版本号拼到最前面（保持下划线风格：v1_<...>）
func withVer(s string) string {
	if KeyVersion == "" {
		return s
	}
	return KeyVersion + "_" + s
}

// StripVersion 读取回退辅助：把带版本的键去掉版本前缀，便于双读回退。
func StripVersion(prefixed string) string {
	if KeyVersion == "" {
		return prefixed
	}
	p := KeyVersion + "_"
	return strings.TrimPrefix(prefixed, p)
}

// ===================== 账户相关 =====================

// KeyAccount 热账户完整数据
// 例：v1_acct_<keyHex>
func KeyAccount(keyHex string) string {
	return withVer(fmt.Sprintf("acct_%s", keyHex))
}

// PrefixAccount 热账户遍历前缀
func PrefixAccount() string {
	return withVer("acct_")
}

// KeyStub 冷/归档账户存根
// 例：v1_stub_<keyHex>
func KeyStub(keyHex string) string {
	return withVer(fmt.Sprintf("stub_%s", keyHex))
}

// PrefixStub 存根遍历前缀
func PrefixStub() string {
	return withVer("stub_")
}

// ===================== 过期相关 =====================

// KeyExpiryRecord 过期跟踪记录
// 例：v1_expiry_<keyHex>
func KeyExpiryRecord(keyHex string) string {
	return withVer(fmt.Sprintf("expiry_%s", keyHex))
}

// PrefixExpiryRecord 过期记录遍历前缀
func PrefixExpiryRecord() string {
	return withVer("expiry_")
}

// KeyExpiryOrdinal 序号到账户键的映射（位图索引用）
// 例：v1_expiryord_<ordinal>
func KeyExpiryOrdinal(ordinal uint32) string {
	return withVer(fmt.Sprintf("expiryord_%010d", ordinal))
}

// PrefixExpiryOrdinal 序号映射遍历前缀
func PrefixExpiryOrdinal() string {
	return withVer("expiryord_")
}

// KeyExpiryOrdinalOf 账户键到序号的反向映射
// 例：v1_expiryordof_<keyHex>
func KeyExpiryOrdinalOf(keyHex string) string {
	return withVer(fmt.Sprintf("expiryordof_%s", keyHex))
}

// KeyExpiryNextOrdinal 下一个可分配序号
func KeyExpiryNextOrdinal() string {
	return withVer("expiry_next_ord")
}

// ===================== 区块出参相关 =====================

// KeyRootAt 指定高度的承诺根
// 例：v1_root_<height>
func KeyRootAt(height uint64) string {
	return withVer(fmt.Sprintf("root_%020d", height))
}

// KeyOutcome 区块出参（根、层级转移、扣费）
// 例：v1_outcome_<height>
func KeyOutcome(height uint64) string {
	return withVer(fmt.Sprintf("outcome_%020d", height))
}

// KeyLatestHeight 最新已提交高度
func KeyLatestHeight() string {
	return withVer("latest_height")
}
