// keys/keys_test.go
package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestAccountKeys 测试账户相关 key 函数
func TestAccountKeys(t *testing.T) {
	t.Run("KeyAccount", func(t *testing.T) {
		key := KeyAccount("aabbcc")
		assert.Equal(t, "v1_acct_aabbcc", key)
	})

	t.Run("KeyStub", func(t *testing.T) {
		key := KeyStub("aabbcc")
		assert.Equal(t, "v1_stub_aabbcc", key)
	})

	t.Run("prefixes cover their keys", func(t *testing.T) {
		assert.Contains(t, KeyAccount("ff"), PrefixAccount())
		assert.Contains(t, KeyStub("ff"), PrefixStub())
		assert.Contains(t, KeyExpiryRecord("ff"), PrefixExpiryRecord())
	})
}

// TestExpiryKeys 测试过期相关 key 函数
func TestExpiryKeys(t *testing.T) {
	t.Run("KeyExpiryRecord", func(t *testing.T) {
		key := KeyExpiryRecord("deadbeef")
		assert.Equal(t, "v1_expiry_deadbeef", key)
	})

	t.Run("KeyExpiryOrdinal", func(t *testing.T) {
		// 序号用 10 位零填充，保证字典序即数值序
		key := KeyExpiryOrdinal(42)
		assert.Equal(t, "v1_expiryord_0000000042", key)
	})

	t.Run("KeyExpiryOrdinalOf", func(t *testing.T) {
		key := KeyExpiryOrdinalOf("deadbeef")
		assert.Equal(t, "v1_expiryordof_deadbeef", key)
	})

	t.Run("ordinal keys sort numerically", func(t *testing.T) {
		assert.Less(t, KeyExpiryOrdinal(9), KeyExpiryOrdinal(10))
		assert.Less(t, KeyExpiryOrdinal(99), KeyExpiryOrdinal(100))
	})
}

// TestOutcomeKeys 测试区块出参相关 key 函数
func TestOutcomeKeys(t *testing.T) {
	t.Run("KeyRootAt", func(t *testing.T) {
		key := KeyRootAt(12345)
		// 高度用 padUint 格式化为 20 位
		assert.Equal(t, "v1_root_00000000000000012345", key)
	})

	t.Run("KeyOutcome", func(t *testing.T) {
		key := KeyOutcome(1)
		assert.Equal(t, "v1_outcome_00000000000000000001", key)
	})

	t.Run("height keys sort numerically", func(t *testing.T) {
		assert.Less(t, KeyRootAt(999), KeyRootAt(1000))
	})
}

// TestStripVersion 测试版本前缀剥离
func TestStripVersion(t *testing.T) {
	key := KeyLatestHeight()
	assert.Equal(t, "latest_height", StripVersion(key))
}
