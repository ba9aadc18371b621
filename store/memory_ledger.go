// store/memory_ledger.go
// 账本存储的内存实现。与 MemoryStore 同一角色：AccountDB 的
// 测试替身，接口行为逐一对齐。
package store

import (
	"sync"

	"glacier/interfaces"
	"glacier/types"
)

// MemoryLedger 内存账本存储。仅用于测试。
type MemoryLedger struct {
	mu       sync.RWMutex
	accounts map[types.AccountKey]*types.Account
	stubs    map[types.AccountKey]*types.AccountStub
	expiry   map[types.AccountKey]*types.ExpiryRecord
	ordOf    map[types.AccountKey]uint32
	keyOf    map[uint32]types.AccountKey
	nextOrd  uint32
	outcomes map[uint64]*types.BlockOutcome
	latest   uint64
}

var (
	_ interfaces.AccountStore = (*MemoryLedger)(nil)
	_ interfaces.StubStore    = (*MemoryLedger)(nil)
	_ interfaces.ExpiryStore  = (*MemoryLedger)(nil)
	_ interfaces.OutcomeStore = (*MemoryLedger)(nil)
)

// NewMemoryLedger 创建内存账本存储
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts: make(map[types.AccountKey]*types.Account),
		stubs:    make(map[types.AccountKey]*types.AccountStub),
		expiry:   make(map[types.AccountKey]*types.ExpiryRecord),
		ordOf:    make(map[types.AccountKey]uint32),
		keyOf:    make(map[uint32]types.AccountKey),
		outcomes: make(map[uint64]*types.BlockOutcome),
	}
}

// ===================== 账户 =====================

func (m *MemoryLedger) GetAccount(key types.AccountKey) (*types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[key]
	if !ok {
		return nil, interfaces.ErrAccountNotFound
	}
	return acct.Clone(), nil
}

func (m *MemoryLedger) PutAccount(acct *types.Account) error {
	m.mu.Lock()
	m.accounts[acct.Key] = acct.Clone()
	m.mu.Unlock()
	return nil
}

func (m *MemoryLedger) DeleteAccount(key types.AccountKey) error {
	m.mu.Lock()
	delete(m.accounts, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryLedger) RangeAccounts(fn func(*types.Account) bool) error {
	m.mu.RLock()
	snapshot := make([]*types.Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		snapshot = append(snapshot, acct.Clone())
	}
	m.mu.RUnlock()
	for _, acct := range snapshot {
		if !fn(acct) {
			return nil
		}
	}
	return nil
}

// ===================== 存根 =====================

func (m *MemoryLedger) GetStub(key types.AccountKey) (*types.AccountStub, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stub, ok := m.stubs[key]
	if !ok {
		return nil, interfaces.ErrStubNotFound
	}
	cp := *stub
	cp.LocationRef = append([]byte(nil), stub.LocationRef...)
	return &cp, nil
}

func (m *MemoryLedger) PutStub(stub *types.AccountStub) error {
	m.mu.Lock()
	cp := *stub
	cp.LocationRef = append([]byte(nil), stub.LocationRef...)
	m.stubs[stub.Key] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryLedger) DeleteStub(key types.AccountKey) error {
	m.mu.Lock()
	delete(m.stubs, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryLedger) RangeStubs(fn func(*types.AccountStub) bool) error {
	m.mu.RLock()
	snapshot := make([]*types.AccountStub, 0, len(m.stubs))
	for _, stub := range m.stubs {
		cp := *stub
		snapshot = append(snapshot, &cp)
	}
	m.mu.RUnlock()
	for _, stub := range snapshot {
		if !fn(stub) {
			return nil
		}
	}
	return nil
}

// ===================== 过期记录 =====================

func (m *MemoryLedger) GetExpiryRecord(key types.AccountKey) (*types.ExpiryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.expiry[key]
	if !ok {
		return nil, interfaces.ErrExpiryRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryLedger) PutExpiryRecord(rec *types.ExpiryRecord) error {
	m.mu.Lock()
	cp := *rec
	m.expiry[rec.Key] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryLedger) DeleteExpiryRecord(key types.AccountKey) error {
	m.mu.Lock()
	delete(m.expiry, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryLedger) OrdinalOf(key types.AccountKey) (uint32, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ord, ok := m.ordOf[key]
	return ord, ok, nil
}

func (m *MemoryLedger) AllocOrdinal(key types.AccountKey) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ord, ok := m.ordOf[key]; ok {
		return ord, nil
	}
	ord := m.nextOrd
	m.nextOrd++
	m.ordOf[key] = ord
	m.keyOf[ord] = key
	return ord, nil
}

func (m *MemoryLedger) KeyOfOrdinal(ord uint32) (types.AccountKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keyOf[ord]
	if !ok {
		return types.AccountKey{}, interfaces.ErrExpiryRecordNotFound
	}
	return key, nil
}

func (m *MemoryLedger) ReleaseOrdinal(key types.AccountKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ord, ok := m.ordOf[key]; ok {
		delete(m.ordOf, key)
		delete(m.keyOf, ord)
	}
	return nil
}

func (m *MemoryLedger) RangeOrdinals(fn func(ord uint32, key types.AccountKey) bool) error {
	m.mu.RLock()
	type pair struct {
		ord uint32
		key types.AccountKey
	}
	snapshot := make([]pair, 0, len(m.keyOf))
	for ord, key := range m.keyOf {
		snapshot = append(snapshot, pair{ord, key})
	}
	m.mu.RUnlock()
	for _, p := range snapshot {
		if !fn(p.ord, p.key) {
			return nil
		}
	}
	return nil
}

// ===================== 区块出参 =====================

func (m *MemoryLedger) PutOutcome(outcome *types.BlockOutcome) error {
	m.mu.Lock()
	m.outcomes[outcome.Height] = outcome
	m.mu.Unlock()
	return nil
}

func (m *MemoryLedger) OutcomeAt(height uint64) (*types.BlockOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	outcome, ok := m.outcomes[height]
	if !ok {
		return nil, interfaces.ErrOutcomeNotFound
	}
	return outcome, nil
}

func (m *MemoryLedger) SetLatestHeight(height uint64) error {
	m.mu.Lock()
	m.latest = height
	m.mu.Unlock()
	return nil
}

func (m *MemoryLedger) LatestHeight() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, nil
}

// Close 无资源可释放
func (m *MemoryLedger) Close() error {
	return nil
}
