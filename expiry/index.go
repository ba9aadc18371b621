// expiry/index.go
// 到期扫描的位图索引：RoaringBitmap 跟踪在册过期记录的序号，
// 启动时从存储重建，运行期增量维护。
package expiry

import (
	"sync"

	"github.com/RoaringBitmap/roaring"

	"glacier/interfaces"
	"glacier/logs"
	"glacier/types"
)

// Index 在册过期记录的序号位图。序号由 ExpiryStore 分配，
// 终身绑定账户键，位图只记"这个序号当前有记录在册"。
type Index struct {
	mu sync.RWMutex
	bm *roaring.Bitmap
}

// NewIndex 创建空索引
func NewIndex() *Index {
	return &Index{bm: roaring.New()}
}

// Rebuild 从存储的序号映射重建位图。只收仍有过期记录在册的
// 序号；映射在而记录不在的（半删状态）跳过。
func (x *Index) Rebuild(records interfaces.ExpiryStore) error {
	rebuilt := roaring.New()
	count := 0
	err := records.RangeOrdinals(func(ord uint32, key types.AccountKey) bool {
		if _, err := records.GetExpiryRecord(key); err != nil {
			return true
		}
		rebuilt.Add(ord)
		count++
		return true
	})
	if err != nil {
		return err
	}

	x.mu.Lock()
	x.bm = rebuilt
	x.mu.Unlock()
	logs.Info("expiry index rebuilt with %d records", count)
	return nil
}

// Add 登记序号
func (x *Index) Add(ord uint32) {
	x.mu.Lock()
	x.bm.Add(ord)
	x.mu.Unlock()
}

// Remove 注销序号
func (x *Index) Remove(ord uint32) {
	x.mu.Lock()
	x.bm.Remove(ord)
	x.mu.Unlock()
}

// Snapshot 当前在册序号的快照（扫描遍历用）
func (x *Index) Snapshot() []uint32 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	card := int(x.bm.GetCardinality())
	if card == 0 {
		return nil
	}
	out := make([]uint32, 0, card)
	it := x.bm.Iterator()
	for it.HasNext() {
		out = append(out, it.Next())
	}
	return out
}

// Cardinality 在册记录数
func (x *Index) Cardinality() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.bm.GetCardinality()
}
