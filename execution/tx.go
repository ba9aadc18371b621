// execution/tx.go
// 区块交易的入口形态：普通指令之外随交易携带零或多个
// (账户键, 见证) 对。调度与费用市场归协作方，这里只关心
// 账户访问面。
package execution

import "glacier/types"

// AccountWrite 一次账户写入。Delete 置位时为销户。
type AccountWrite struct {
	Key      types.AccountKey
	Data     []byte
	Owner    types.AccountKey
	Lamports uint64
	Delete   bool
}

// Tx 一笔区块交易的账户访问面。
// 引用冷/归档账户必须在 Witnesses 里带上对应见证，否则
// 整笔交易以 missing_witness 拒绝。
type Tx struct {
	Reads     []types.AccountKey
	Writes    []AccountWrite
	Witnesses []*types.Witness
}

// Keys 本交易引用的全部账户键（读、写、见证），降级守卫用
func (tx *Tx) Keys() []types.AccountKey {
	total := len(tx.Reads) + len(tx.Writes) + len(tx.Witnesses)
	seen := make(map[types.AccountKey]struct{}, total)
	out := make([]types.AccountKey, 0, total)
	add := func(k types.AccountKey) {
		if _, dup := seen[k]; !dup {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	for _, k := range tx.Reads {
		add(k)
	}
	for _, w := range tx.Writes {
		add(w.Key)
	}
	for _, w := range tx.Witnesses {
		if w != nil {
			add(w.AccountKey)
		}
	}
	return out
}
