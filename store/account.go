// store/account.go
// 账本侧存储：账户、存根、过期记录与区块出参的 Badger 持久化。
// 键空间统一由 keys 包构造。
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"glacier/interfaces"
	"glacier/keys"
	"glacier/types"
)

// AccountDB 账本协作方的存储实现。实现 interfaces 里的
// AccountStore / StubStore / ExpiryStore / OutcomeStore 四组契约。
// 与承诺方案的节点存储共用一个 Badger 实例，键空间互不重叠。
type AccountDB struct {
	db *badger.DB

	// 序号分配串行化：计数器读-增-写在单个事务内完成
	ordMu sync.Mutex
}

var (
	_ interfaces.AccountStore = (*AccountDB)(nil)
	_ interfaces.StubStore    = (*AccountDB)(nil)
	_ interfaces.ExpiryStore  = (*AccountDB)(nil)
	_ interfaces.OutcomeStore = (*AccountDB)(nil)
)

// NewAccountDB 在已打开的 Badger 实例上构建账本存储。
// db 生命周期由外部管理。
func NewAccountDB(db *badger.DB) *AccountDB {
	return &AccountDB{db: db}
}

// ============================================
// 账户
// ============================================

// GetAccount 读取热账户完整记录
func (a *AccountDB) GetAccount(key types.AccountKey) (*types.Account, error) {
	raw, err := a.read(keys.KeyAccount(key.Hex()))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, interfaces.ErrAccountNotFound
		}
		return nil, err
	}
	return types.DecodeAccount(raw)
}

// PutAccount 写入热账户完整记录
func (a *AccountDB) PutAccount(acct *types.Account) error {
	raw, err := acct.Encode()
	if err != nil {
		return fmt.Errorf("encode account %s: %w", acct.Key.Short(), err)
	}
	return a.write(keys.KeyAccount(acct.Key.Hex()), raw)
}

// DeleteAccount 删除热账户记录（降级为存根时调用）
func (a *AccountDB) DeleteAccount(key types.AccountKey) error {
	return a.delete(keys.KeyAccount(key.Hex()))
}

// RangeAccounts 遍历全部热账户
func (a *AccountDB) RangeAccounts(fn func(*types.Account) bool) error {
	return a.rangePrefix(keys.PrefixAccount(), func(val []byte) (bool, error) {
		acct, err := types.DecodeAccount(val)
		if err != nil {
			return false, err
		}
		return fn(acct), nil
	})
}

// ============================================
// 存根
// ============================================

// GetStub 读取冷/归档账户存根
func (a *AccountDB) GetStub(key types.AccountKey) (*types.AccountStub, error) {
	raw, err := a.read(keys.KeyStub(key.Hex()))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, interfaces.ErrStubNotFound
		}
		return nil, err
	}
	return types.DecodeStub(raw)
}

// PutStub 写入存根
func (a *AccountDB) PutStub(stub *types.AccountStub) error {
	raw, err := stub.Encode()
	if err != nil {
		return fmt.Errorf("encode stub %s: %w", stub.Key.Short(), err)
	}
	return a.write(keys.KeyStub(stub.Key.Hex()), raw)
}

// DeleteStub 删除存根（解冻回热集时调用）
func (a *AccountDB) DeleteStub(key types.AccountKey) error {
	return a.delete(keys.KeyStub(key.Hex()))
}

// RangeStubs 遍历全部存根
func (a *AccountDB) RangeStubs(fn func(*types.AccountStub) bool) error {
	return a.rangePrefix(keys.PrefixStub(), func(val []byte) (bool, error) {
		stub, err := types.DecodeStub(val)
		if err != nil {
			return false, err
		}
		return fn(stub), nil
	})
}

// ============================================
// 过期记录
// ============================================

// GetExpiryRecord 读取过期跟踪记录
func (a *AccountDB) GetExpiryRecord(key types.AccountKey) (*types.ExpiryRecord, error) {
	raw, err := a.read(keys.KeyExpiryRecord(key.Hex()))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, interfaces.ErrExpiryRecordNotFound
		}
		return nil, err
	}
	return types.DecodeExpiryRecord(raw)
}

// PutExpiryRecord 写入过期跟踪记录
func (a *AccountDB) PutExpiryRecord(rec *types.ExpiryRecord) error {
	raw, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode expiry record %s: %w", rec.Key.Short(), err)
	}
	return a.write(keys.KeyExpiryRecord(rec.Key.Hex()), raw)
}

// DeleteExpiryRecord 删除过期跟踪记录
func (a *AccountDB) DeleteExpiryRecord(key types.AccountKey) error {
	return a.delete(keys.KeyExpiryRecord(key.Hex()))
}

// ============================================
// 序号映射（位图索引支撑）
// ============================================

// OrdinalOf 账户键对应的序号
func (a *AccountDB) OrdinalOf(key types.AccountKey) (uint32, bool, error) {
	raw, err := a.read(keys.KeyExpiryOrdinalOf(key.Hex()))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if len(raw) != 4 {
		return 0, false, fmt.Errorf("corrupt ordinal mapping for %s", key.Short())
	}
	return binary.BigEndian.Uint32(raw), true, nil
}

// AllocOrdinal 为账户键分配序号；已分配则返回既有序号。
// 计数器只增不回收，序号终身绑定同一个键。
func (a *AccountDB) AllocOrdinal(key types.AccountKey) (uint32, error) {
	a.ordMu.Lock()
	defer a.ordMu.Unlock()

	if ord, ok, err := a.OrdinalOf(key); err != nil || ok {
		return ord, err
	}

	var ord uint32
	err := a.db.Update(func(txn *badger.Txn) error {
		next := uint32(0)
		item, err := txn.Get([]byte(keys.KeyExpiryNextOrdinal()))
		if err == nil {
			if err := item.Value(func(val []byte) error {
				if len(val) == 4 {
					next = binary.BigEndian.Uint32(val)
				}
				return nil
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		ord = next

		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], ord)
		if err := txn.Set([]byte(keys.KeyExpiryOrdinalOf(key.Hex())), buf[:]); err != nil {
			return err
		}
		if err := txn.Set([]byte(keys.KeyExpiryOrdinal(ord)), key.Bytes()); err != nil {
			return err
		}
		binary.BigEndian.PutUint32(buf[:], next+1)
		return txn.Set([]byte(keys.KeyExpiryNextOrdinal()), buf[:])
	})
	return ord, err
}

// KeyOfOrdinal 序号对应的账户键
func (a *AccountDB) KeyOfOrdinal(ord uint32) (types.AccountKey, error) {
	raw, err := a.read(keys.KeyExpiryOrdinal(ord))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return types.AccountKey{}, interfaces.ErrExpiryRecordNotFound
		}
		return types.AccountKey{}, err
	}
	return types.KeyFromBytes(raw)
}

// ReleaseOrdinal 释放账户键占用的序号映射
func (a *AccountDB) ReleaseOrdinal(key types.AccountKey) error {
	a.ordMu.Lock()
	defer a.ordMu.Unlock()

	ord, ok, err := a.OrdinalOf(key)
	if err != nil || !ok {
		return err
	}
	return a.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(keys.KeyExpiryOrdinalOf(key.Hex()))); err != nil {
			return err
		}
		return txn.Delete([]byte(keys.KeyExpiryOrdinal(ord)))
	})
}

// RangeOrdinals 遍历全部序号映射；启动时位图索引据此重建
func (a *AccountDB) RangeOrdinals(fn func(ord uint32, key types.AccountKey) bool) error {
	prefix := []byte(keys.PrefixExpiryOrdinal())
	return a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var ord uint32
			if _, err := fmt.Sscanf(string(item.Key()[len(prefix):]), "%010d", &ord); err != nil {
				continue
			}
			var key types.AccountKey
			err := item.Value(func(val []byte) error {
				k, err := types.KeyFromBytes(val)
				key = k
				return err
			})
			if err != nil {
				return err
			}
			if !fn(ord, key) {
				return nil
			}
		}
		return nil
	})
}

// ============================================
// 区块出参
// ============================================

// PutOutcome 持久化一个区块的出参
func (a *AccountDB) PutOutcome(outcome *types.BlockOutcome) error {
	raw, err := outcome.Encode()
	if err != nil {
		return fmt.Errorf("encode outcome at height %d: %w", outcome.Height, err)
	}
	return a.write(keys.KeyOutcome(outcome.Height), raw)
}

// OutcomeAt 读取指定高度的区块出参
func (a *AccountDB) OutcomeAt(height uint64) (*types.BlockOutcome, error) {
	raw, err := a.read(keys.KeyOutcome(height))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, interfaces.ErrOutcomeNotFound
		}
		return nil, err
	}
	return types.DecodeBlockOutcome(raw)
}

// SetLatestHeight 记录最新已提交高度
func (a *AccountDB) SetLatestHeight(height uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	return a.write(keys.KeyLatestHeight(), buf[:])
}

// LatestHeight 最新已提交高度；从未提交过返回 0
func (a *AccountDB) LatestHeight() (uint64, error) {
	raw, err := a.read(keys.KeyLatestHeight())
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if len(raw) != 8 {
		return 0, errors.New("corrupt latest height record")
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Close 关闭存储（不关闭 Badger 本身，由外部管理）
func (a *AccountDB) Close() error {
	return nil
}

// ============================================
// 内部辅助
// ============================================

func (a *AccountDB) read(key string) ([]byte, error) {
	var out []byte
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	return out, err
}

func (a *AccountDB) write(key string, val []byte) error {
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
}

func (a *AccountDB) delete(key string) error {
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (a *AccountDB) rangePrefix(prefix string, fn func(val []byte) (bool, error)) error {
	return a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var cont bool
			err := it.Item().Value(func(val []byte) error {
				c, err := fn(val)
				cont = c
				return err
			})
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}
