// tier/manager.go
// 层级管理器：账户在 Hot / Cold / Archive 之间的状态机。
// 降级走 Hot→Cold→Archive 单向链；回热只有一条路——
// 校验通过的见证触发解冻。
package tier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"glacier/config"
	"glacier/interfaces"
	"glacier/logs"
	"glacier/types"
	"glacier/witness"
)

var (
	// ErrDataIntegrityViolation 解冻取回的数据与存根哈希不符。
	// 按伪造未遂处理：交易中止、出具举报，绝不静默重试。
	ErrDataIntegrityViolation = errors.New("thawed data does not match stub hash")

	// ErrPendingReference 账户被进行中的区块引用，拒绝降级
	ErrPendingReference = errors.New("account referenced by in-flight block")
)

// Manager 层级管理器。区块内状态（引用集、解冻覆盖层、转移
// 记录）归执行管线独占，Commit/Abort 收尾；触碰表跨区块常驻。
type Manager struct {
	cfg      config.TierConfig
	accounts interfaces.AccountStore
	stubs    interfaces.StubStore
	offchain interfaces.OffchainStore
	reporter *witness.Reporter // 可为 nil：不出具举报

	touch *touchTable

	mu          sync.Mutex
	height      uint64 // 进行中区块的高度；0 = 不在区块内
	pending     map[types.AccountKey]struct{}
	thawed      map[types.AccountKey]*types.Account
	transitions []types.TierTransition
}

var _ witness.AccountHashes = (*Manager)(nil)

// NewManager 组装层级管理器
func NewManager(cfg config.TierConfig, accounts interfaces.AccountStore,
	stubs interfaces.StubStore, offchain interfaces.OffchainStore, reporter *witness.Reporter) *Manager {
	return &Manager{
		cfg:      cfg,
		accounts: accounts,
		stubs:    stubs,
		offchain: offchain,
		reporter: reporter,
		touch:    newTouchTable(cfg.TouchStripes),
		pending:  make(map[types.AccountKey]struct{}),
		thawed:   make(map[types.AccountKey]*types.Account),
	}
}

// ============================================
// 区块边界
// ============================================

// BeginBlock 进入区块执行：登记本区块引用的全部键。
// 引用集是降级守卫——被在途交易引用的账户不允许降级。
func (m *Manager) BeginBlock(height uint64, refs []types.AccountKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height = height
	m.pending = make(map[types.AccountKey]struct{}, len(refs))
	for _, k := range refs {
		m.pending[k] = struct{}{}
	}
	m.thawed = make(map[types.AccountKey]*types.Account)
	m.transitions = m.transitions[:0]
}

// Commit 区块收尾：解冻账户落账（写回热集、删存根），返回本
// 区块全部层级转移并清空区块内状态。
func (m *Manager) Commit(height uint64) ([]types.TierTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acct := range m.thawed {
		if err := m.accounts.PutAccount(acct); err != nil {
			return nil, fmt.Errorf("persist thawed account %s: %w", acct.Key.Short(), err)
		}
		if err := m.stubs.DeleteStub(acct.Key); err != nil {
			return nil, fmt.Errorf("delete stub %s: %w", acct.Key.Short(), err)
		}
		m.touch.set(acct.Key, height)
	}

	out := make([]types.TierTransition, len(m.transitions))
	copy(out, m.transitions)
	m.resetBlockLocked()
	return out, nil
}

// Abort 丢弃区块内状态（区块致命错误时调用），不产生任何落账
func (m *Manager) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetBlockLocked()
}

func (m *Manager) resetBlockLocked() {
	m.height = 0
	m.pending = make(map[types.AccountKey]struct{})
	m.thawed = make(map[types.AccountKey]*types.Account)
	m.transitions = m.transitions[:0]
}

// ============================================
// 解冻
// ============================================

// Thaw 把冷/归档账户解冻回热集。只允许在校验器给出 Accepted
// 之后调用。链下取数不持有任何锁；取回字节先对存根哈希校验，
// 对不上按伪造处理，账户保持冷态。同块内对同一键的并发解冻
// 合并为一次 Hot 转移（幂等）。
func (m *Manager) Thaw(ctx context.Context, key types.AccountKey) (*types.Account, error) {
	m.mu.Lock()
	if acct, ok := m.thawed[key]; ok {
		m.mu.Unlock()
		return acct.Clone(), nil
	}
	height := m.height
	m.mu.Unlock()

	stub, err := m.stubs.GetStub(key)
	if err != nil {
		if errors.Is(err, interfaces.ErrStubNotFound) {
			// 没有存根 = 账户本就在热集
			return m.accounts.GetAccount(key)
		}
		return nil, err
	}

	// 挂起等待链下取数；此间不碰累加器与层级表
	data, err := m.offchain.Fetch(ctx, key, stub.LocationRef)
	if err != nil {
		return nil, fmt.Errorf("fetch offchain data for %s: %w", key.Short(), err)
	}

	if !stub.MatchesData(data) {
		got := types.DataHash(data)
		if m.reporter != nil {
			if _, rerr := m.reporter.Report(key, height, stub.DataHash, got, stub.LocationRef); rerr != nil {
				logs.Error("report integrity violation for %s: %v", key.Short(), rerr)
			}
		}
		return nil, fmt.Errorf("%w: key %s", ErrDataIntegrityViolation, key.Short())
	}

	acct := &types.Account{
		Key:       key,
		Data:      data,
		Owner:     stub.Owner,
		Lamports:  stub.Lamports,
		Tier:      types.TierHot,
		LastTouch: height,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// 并发解冻：先到的那次已登记，本次直接复用
	if prior, ok := m.thawed[key]; ok {
		return prior.Clone(), nil
	}
	m.thawed[key] = acct
	m.transitions = append(m.transitions, types.TierTransition{
		Key:    key,
		From:   stub.Tier,
		To:     types.TierHot,
		Height: m.height,
		Reason: types.TransitionThaw,
	})
	logs.Debug("thaw: key=%s from=%s height=%d", key.Short(), stub.Tier, m.height)
	return acct.Clone(), nil
}

// ThawedAccount 本区块解冻覆盖层里的账户（同块读己之写）
func (m *Manager) ThawedAccount(key types.AccountKey) (*types.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.thawed[key]
	if !ok {
		return nil, false
	}
	return acct.Clone(), true
}

// ============================================
// 触碰与降级
// ============================================

// RecordTouch 记录一次账户访问
func (m *Manager) RecordTouch(key types.AccountKey, height uint64) {
	m.touch.set(key, height)
}

// Demote 降一级：Hot→Cold（数据撤出到链下、写存根、删热记录）
// 或 Cold→Archive（存根改层级）。Archive 已是地板，返回 nil 转移。
// 被在途区块引用的键拒绝降级。
func (m *Manager) Demote(key types.AccountKey, height uint64) (*types.TierTransition, error) {
	m.mu.Lock()
	if _, referenced := m.pending[key]; referenced {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPendingReference, key.Short())
	}
	if _, beingThawed := m.thawed[key]; beingThawed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s thawed in-flight", ErrPendingReference, key.Short())
	}
	m.mu.Unlock()

	stub, err := m.stubs.GetStub(key)
	switch {
	case err == nil:
		return m.demoteStub(stub, height, types.TransitionExpiry)
	case errors.Is(err, interfaces.ErrStubNotFound):
		return m.demoteHot(key, height)
	default:
		return nil, err
	}
}

// demoteHot Hot→Cold：完整数据进链下存储，链上只留存根
func (m *Manager) demoteHot(key types.AccountKey, height uint64) (*types.TierTransition, error) {
	acct, err := m.accounts.GetAccount(key)
	if err != nil {
		return nil, err
	}

	locator, err := m.offchain.Put(key, acct.Data)
	if err != nil {
		return nil, fmt.Errorf("evict data for %s: %w", key.Short(), err)
	}
	stub := &types.AccountStub{
		Key:         key,
		DataHash:    acct.DataDigest(),
		Owner:       acct.Owner,
		Lamports:    acct.Lamports,
		Tier:        types.TierCold,
		LocationRef: locator,
		StubHeight:  height,
	}
	if err := m.stubs.PutStub(stub); err != nil {
		return nil, fmt.Errorf("write stub %s: %w", key.Short(), err)
	}
	if err := m.accounts.DeleteAccount(key); err != nil {
		return nil, fmt.Errorf("delete hot record %s: %w", key.Short(), err)
	}
	m.touch.remove(key)

	logs.Debug("demote: key=%s hot->cold height=%d", key.Short(), height)
	return &types.TierTransition{
		Key:    key,
		From:   types.TierHot,
		To:     types.TierCold,
		Height: height,
		Reason: types.TransitionDemotion,
	}, nil
}

// demoteStub Cold→Archive：数据已在链下，只动存根的层级
func (m *Manager) demoteStub(stub *types.AccountStub, height uint64, reason types.TransitionReason) (*types.TierTransition, error) {
	if stub.Tier == types.TierArchive {
		return nil, nil
	}
	from := stub.Tier
	stub.Tier = types.TierArchive
	stub.StubHeight = height
	if err := m.stubs.PutStub(stub); err != nil {
		return nil, fmt.Errorf("write stub %s: %w", stub.Key.Short(), err)
	}
	logs.Debug("demote: key=%s %s->archive height=%d", stub.Key.Short(), from, height)
	return &types.TierTransition{
		Key:    stub.Key,
		From:   from,
		To:     types.TierArchive,
		Height: height,
		Reason: reason,
	}, nil
}

// DemoteIdle 扫描闲置账户：触碰表里闲置超过 HotInactivityBlocks
// 的热账户降为冷；冷存根停留超过 ColdInactivityBlocks 的继续降为
// 归档。被在途区块引用的键跳过，下轮再试。
func (m *Manager) DemoteIdle(height uint64) []types.TierTransition {
	var out []types.TierTransition

	if height > m.cfg.HotInactivityBlocks {
		cutoff := height - m.cfg.HotInactivityBlocks
		for _, key := range m.touch.idleBefore(cutoff) {
			tr, err := m.Demote(key, height)
			if err != nil {
				if !errors.Is(err, ErrPendingReference) {
					logs.Warn("demote idle %s: %v", key.Short(), err)
				}
				continue
			}
			if tr != nil {
				out = append(out, *tr)
			}
		}
	}

	if height > m.cfg.ColdInactivityBlocks {
		cutoff := height - m.cfg.ColdInactivityBlocks
		var idle []*types.AccountStub
		if err := m.stubs.RangeStubs(func(stub *types.AccountStub) bool {
			if stub.Tier == types.TierCold && stub.StubHeight <= cutoff {
				idle = append(idle, stub)
			}
			return true
		}); err != nil {
			logs.Warn("scan cold stubs: %v", err)
			return out
		}
		for _, stub := range idle {
			m.mu.Lock()
			_, referenced := m.pending[stub.Key]
			m.mu.Unlock()
			if referenced {
				continue
			}
			tr, err := m.demoteStub(stub, height, types.TransitionDemotion)
			if err != nil {
				logs.Warn("demote cold %s: %v", stub.Key.Short(), err)
				continue
			}
			if tr != nil {
				out = append(out, *tr)
			}
		}
	}

	return out
}

// TrackedAccounts 触碰表跟踪中的账户数（观测用）
func (m *Manager) TrackedAccounts() int {
	return m.touch.size()
}

// ============================================
// 账本哈希视图（见证生成用）
// ============================================

// DataHashOf 账户当前的规范数据哈希：解冻覆盖层 → 热记录 →
// 存根，三层兜底。都没有返回 ErrAccountNotFound。
func (m *Manager) DataHashOf(key types.AccountKey) (types.Hash, error) {
	if acct, ok := m.ThawedAccount(key); ok {
		return acct.DataDigest(), nil
	}
	acct, err := m.accounts.GetAccount(key)
	if err == nil {
		return acct.DataDigest(), nil
	}
	if !errors.Is(err, interfaces.ErrAccountNotFound) {
		return types.Hash{}, err
	}
	stub, err := m.stubs.GetStub(key)
	if err != nil {
		if errors.Is(err, interfaces.ErrStubNotFound) {
			return types.Hash{}, interfaces.ErrAccountNotFound
		}
		return types.Hash{}, err
	}
	return stub.DataHash, nil
}

// TierOf 账户当前层级。热记录在 = Hot；否则看存根。
func (m *Manager) TierOf(key types.AccountKey) (types.Tier, error) {
	if _, ok := m.ThawedAccount(key); ok {
		return types.TierHot, nil
	}
	_, err := m.accounts.GetAccount(key)
	if err == nil {
		return types.TierHot, nil
	}
	if !errors.Is(err, interfaces.ErrAccountNotFound) {
		return 0, err
	}
	stub, err := m.stubs.GetStub(key)
	if err != nil {
		if errors.Is(err, interfaces.ErrStubNotFound) {
			return 0, interfaces.ErrAccountNotFound
		}
		return 0, err
	}
	return stub.Tier, nil
}
