package expiry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"glacier/config"
	"glacier/interfaces"
	"glacier/store"
	"glacier/types"
)

func testExpiryManager(t *testing.T) (*Manager, *store.MemoryLedger, config.ExpiryConfig) {
	t.Helper()
	cfg := config.ExpiryConfig{
		HorizonBlocks:           100,
		PreservationFeePerBlock: 2,
		SweepIntervalBlocks:     10,
	}
	ledger := store.NewMemoryLedger()
	mgr, err := NewManager(cfg, ledger)
	if err != nil {
		t.Fatal(err)
	}
	return mgr, ledger, cfg
}

func TestTouchCreatesAndRearmsRecord(t *testing.T) {
	mgr, _, cfg := testExpiryManager(t)
	key := types.KeyFromString("exp-touch")

	if err := mgr.OnTouch(key, 5); err != nil {
		t.Fatal(err)
	}
	rec, err := mgr.RecordOf(key)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, uint64(5), rec.LastTouch)
	assert.Equal(t, 5+cfg.HorizonBlocks, rec.Horizon)
	assert.Equal(t, uint64(1), mgr.TrackedRecords())

	// 再次访问重置视界
	if err := mgr.OnTouch(key, 50); err != nil {
		t.Fatal(err)
	}
	rec, _ = mgr.RecordOf(key)
	assert.Equal(t, 50+cfg.HorizonBlocks, rec.Horizon)
}

func TestSweepEmitsDemotionWhenDue(t *testing.T) {
	mgr, _, cfg := testExpiryManager(t)
	key := types.KeyFromString("exp-due")
	if err := mgr.OnTouch(key, 1); err != nil {
		t.Fatal(err)
	}

	// 视界未到：无指令
	report, err := mgr.Sweep(cfg.HorizonBlocks)
	if err != nil {
		t.Fatal(err)
	}
	assert.Empty(t, report.Demotions)

	// 视界已过：产出降级指令，不直接动数据
	report, err = mgr.Sweep(1 + cfg.HorizonBlocks)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []types.AccountKey{key}, report.Demotions)
}

func TestSweepPreservedDebitsAndRearms(t *testing.T) {
	mgr, _, cfg := testExpiryManager(t)
	key := types.KeyFromString("exp-preserved")
	if err := mgr.OnTouch(key, 1); err != nil {
		t.Fatal(err)
	}
	// 托管够两个视界的费用
	cost := cfg.PreservationFeePerBlock * cfg.HorizonBlocks
	if err := mgr.Preserve(key, 2*cost); err != nil {
		t.Fatal(err)
	}

	due := 1 + cfg.HorizonBlocks
	report, err := mgr.Sweep(due)
	if err != nil {
		t.Fatal(err)
	}
	// 保留账户：只扣费续期，绝不进降级指令
	assert.Empty(t, report.Demotions)
	if assert.Len(t, report.Debits, 1) {
		assert.Equal(t, cost, report.Debits[0].Amount)
		assert.False(t, report.Debits[0].Exhausted)
	}
	rec, _ := mgr.RecordOf(key)
	assert.Equal(t, cost, rec.PreservationEscrow)
	assert.Equal(t, due+cfg.HorizonBlocks, rec.Horizon)
	assert.True(t, rec.Preserved)
}

func TestSweepEscrowExhaustion(t *testing.T) {
	mgr, _, cfg := testExpiryManager(t)
	key := types.KeyFromString("exp-exhausted")
	if err := mgr.OnTouch(key, 1); err != nil {
		t.Fatal(err)
	}
	// 故意不足一个视界的费用
	if err := mgr.Preserve(key, 3); err != nil {
		t.Fatal(err)
	}

	report, err := mgr.Sweep(1 + cfg.HorizonBlocks)
	if err != nil {
		t.Fatal(err)
	}
	// 抽干托管、撤销保留，同轮转入正常过期路径
	if assert.Len(t, report.Debits, 1) {
		assert.Equal(t, uint64(3), report.Debits[0].Amount)
		assert.True(t, report.Debits[0].Exhausted)
	}
	assert.Equal(t, []types.AccountKey{key}, report.Demotions)

	rec, _ := mgr.RecordOf(key)
	assert.False(t, rec.Preserved)
	assert.Zero(t, rec.PreservationEscrow)
}

func TestOnDemotedLifecycle(t *testing.T) {
	mgr, ledger, cfg := testExpiryManager(t)
	key := types.KeyFromString("exp-lifecycle")
	if err := mgr.OnTouch(key, 1); err != nil {
		t.Fatal(err)
	}

	// 降到冷：记录续存，视界重置
	if err := mgr.OnDemoted(key, types.TierCold, 200); err != nil {
		t.Fatal(err)
	}
	rec, err := mgr.RecordOf(key)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 200+cfg.HorizonBlocks, rec.Horizon)

	// 降到归档：记录移除、索引注销
	if err := mgr.OnDemoted(key, types.TierArchive, 400); err != nil {
		t.Fatal(err)
	}
	_, err = mgr.RecordOf(key)
	assert.ErrorIs(t, err, interfaces.ErrExpiryRecordNotFound)
	assert.Zero(t, mgr.TrackedRecords())
	_, ok, err := ledger.OrdinalOf(key)
	if err != nil {
		t.Fatal(err)
	}
	assert.False(t, ok)
}

func TestIndexRebuildFromStore(t *testing.T) {
	cfg := config.ExpiryConfig{HorizonBlocks: 100, PreservationFeePerBlock: 2, SweepIntervalBlocks: 10}
	ledger := store.NewMemoryLedger()

	mgr, err := NewManager(cfg, ledger)
	if err != nil {
		t.Fatal(err)
	}
	a, b := types.KeyFromString("exp-a"), types.KeyFromString("exp-b")
	for _, k := range []types.AccountKey{a, b} {
		if err := mgr.OnTouch(k, 1); err != nil {
			t.Fatal(err)
		}
	}
	if err := mgr.Remove(b); err != nil {
		t.Fatal(err)
	}

	// 新实例从存储重建索引：只剩 a 在册
	rebuilt, err := NewManager(cfg, ledger)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, uint64(1), rebuilt.TrackedRecords())
	report, err := rebuilt.Sweep(1 + cfg.HorizonBlocks)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []types.AccountKey{a}, report.Demotions)
}

func TestPreserveUnknownRecord(t *testing.T) {
	mgr, _, _ := testExpiryManager(t)
	err := mgr.Preserve(types.KeyFromString("exp-nobody"), 100)
	assert.True(t, errors.Is(err, interfaces.ErrExpiryRecordNotFound))
}

func TestSchedulerSweepsOnInterval(t *testing.T) {
	mgr, _, cfg := testExpiryManager(t)
	key := types.KeyFromString("exp-scheduled")
	if err := mgr.OnTouch(key, 1); err != nil {
		t.Fatal(err)
	}

	sched := NewScheduler(mgr, cfg.SweepIntervalBlocks)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	// 间隔内的高度不触发扫描指令
	sched.Notify(5)
	// 视界之后的高度产出降级指令
	sched.Notify(1 + cfg.HorizonBlocks)

	select {
	case report := <-sched.Reports():
		assert.Equal(t, []types.AccountKey{key}, report.Demotions)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler produced no sweep report")
	}
}
