// types/lifecycle.go
// 生命周期记录：层级转移、过期记录、保留扣费与区块出参
package types

import "fmt"

// ===================== 层级转移 =====================

// TransitionReason 层级转移原因
type TransitionReason uint8

const (
	TransitionDemotion TransitionReason = iota + 1 // 不活跃降级
	TransitionThaw                                 // 见证解冻
	TransitionExpiry                               // 过期处置
)

func (r TransitionReason) String() string {
	switch r {
	case TransitionDemotion:
		return "demotion"
	case TransitionThaw:
		return "thaw"
	case TransitionExpiry:
		return "expiry"
	default:
		return fmt.Sprintf("transition(%d)", uint8(r))
	}
}

// TierTransition 一次层级转移，随区块状态持久化
type TierTransition struct {
	Key    AccountKey
	From   Tier
	To     Tier
	Height uint64
	Reason TransitionReason
}

// ===================== 过期记录 =====================

// ExpiryRecord 每个短生命周期账户的过期跟踪记录。
// 首次写入时创建，每次访问更新，账户被回收或永久保留时删除。
type ExpiryRecord struct {
	Key                AccountKey
	LastTouch          uint64 // 最近访问高度
	Horizon            uint64 // 到期高度（含）
	Preserved          bool
	PreservationEscrow uint64
}

// Due 在给定高度是否到期
func (r *ExpiryRecord) Due(height uint64) bool {
	return height >= r.Horizon
}

// ===================== 保留扣费 =====================

// PreservationDebit 一次保留托管扣费，随区块出参上报
type PreservationDebit struct {
	Key       AccountKey
	Amount    uint64 // 扣除的托管额
	Height    uint64
	Exhausted bool // 本次扣费后托管是否耗尽
}

// ===================== 区块出参 =====================

// RejectedTx 单笔交易的拒绝记录
type RejectedTx struct {
	TxIndex uint32
	Key     AccountKey
	Reason  RejectReason
}

// BlockOutcome 核心每区块对账本的出参：
// 新根写入区块头，层级转移与扣费随区块状态持久化。
type BlockOutcome struct {
	Height      uint64
	NewRoot     Hash
	Transitions []TierTransition
	Debits      []PreservationDebit
	Rejected    []RejectedTx
}
