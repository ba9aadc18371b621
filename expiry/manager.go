// expiry/manager.go
// 过期管理器：短生命周期账户的到期跟踪与保留托管扣费。
// 到期处置是"沿层级降下去"，不直接销毁数据；真删除是
// 协作方归档保留策略的事，不归本核心。
package expiry

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"glacier/config"
	"glacier/interfaces"
	"glacier/logs"
	"glacier/types"
)

// ErrInsufficientPreservationFunds 保留托管不足一个视界的费用。
// 策略层结果而非调用方错误：账户转入正常过期路径。
var ErrInsufficientPreservationFunds = errors.New("preservation escrow exhausted")

// SweepReport 一轮扫描的指令输出。降级指令由执行管线转交
// 层级管理器，扣费随下一个区块出参上报——扫描本身不碰
// 层级表与累加器。
type SweepReport struct {
	Height    uint64
	Demotions []types.AccountKey
	Debits    []types.PreservationDebit
}

// Manager 过期管理器
type Manager struct {
	cfg     config.ExpiryConfig
	records interfaces.ExpiryStore
	idx     *Index
	fee     decimal.Decimal // 每区块保留费
}

// NewManager 组装过期管理器并从存储重建索引
func NewManager(cfg config.ExpiryConfig, records interfaces.ExpiryStore) (*Manager, error) {
	idx := NewIndex()
	if err := idx.Rebuild(records); err != nil {
		return nil, fmt.Errorf("rebuild expiry index: %w", err)
	}
	return &Manager{
		cfg:     cfg,
		records: records,
		idx:     idx,
		fee:     decimal.NewFromUint64(cfg.PreservationFeePerBlock),
	}, nil
}

// ============================================
// 记录维护
// ============================================

// OnTouch 登记一次账户访问：首写建记录，后续访问重置视界。
func (m *Manager) OnTouch(key types.AccountKey, height uint64) error {
	rec, err := m.records.GetExpiryRecord(key)
	if err != nil {
		if !errors.Is(err, interfaces.ErrExpiryRecordNotFound) {
			return err
		}
		rec = &types.ExpiryRecord{Key: key}
	}
	rec.LastTouch = height
	rec.Horizon = height + m.cfg.HorizonBlocks
	if err := m.records.PutExpiryRecord(rec); err != nil {
		return err
	}

	ord, err := m.records.AllocOrdinal(key)
	if err != nil {
		return err
	}
	m.idx.Add(ord)
	return nil
}

// Preserve 开启保留：注入托管余额，过期扫描改走扣费路径。
// escrow 累加到既有托管上。
func (m *Manager) Preserve(key types.AccountKey, escrow uint64) error {
	rec, err := m.records.GetExpiryRecord(key)
	if err != nil {
		return err
	}
	rec.Preserved = true
	rec.PreservationEscrow += escrow
	return m.records.PutExpiryRecord(rec)
}

// RecordOf 读取过期记录（观测与测试用）
func (m *Manager) RecordOf(key types.AccountKey) (*types.ExpiryRecord, error) {
	return m.records.GetExpiryRecord(key)
}

// TrackedRecords 在册记录数
func (m *Manager) TrackedRecords() uint64 {
	return m.idx.Cardinality()
}

// ============================================
// 扫描
// ============================================

// Sweep 扫描一轮：对每条到期记录，有保留资金的扣费续期，
// 没有的产出降级指令。扣到托管耗尽时记 Exhausted 扣费并
// 转入正常过期路径。扫描对保留账户只动托管与视界，数据
// 一个字节都不碰。
func (m *Manager) Sweep(height uint64) (*SweepReport, error) {
	report := &SweepReport{Height: height}

	for _, ord := range m.idx.Snapshot() {
		key, err := m.records.KeyOfOrdinal(ord)
		if err != nil {
			if errors.Is(err, interfaces.ErrExpiryRecordNotFound) {
				m.idx.Remove(ord)
				continue
			}
			return nil, err
		}
		rec, err := m.records.GetExpiryRecord(key)
		if err != nil {
			if errors.Is(err, interfaces.ErrExpiryRecordNotFound) {
				m.idx.Remove(ord)
				continue
			}
			return nil, err
		}
		if !rec.Due(height) {
			continue
		}

		if rec.Preserved {
			debit, renewed := m.debitEscrow(rec, height)
			report.Debits = append(report.Debits, debit)
			if err := m.records.PutExpiryRecord(rec); err != nil {
				return nil, err
			}
			if renewed {
				continue
			}
			logs.Info("preservation lapsed: key=%s height=%d (%v)",
				key.Short(), height, ErrInsufficientPreservationFunds)
		}
		report.Demotions = append(report.Demotions, key)
	}

	if len(report.Demotions) > 0 || len(report.Debits) > 0 {
		logs.Debug("expiry sweep height=%d demotions=%d debits=%d",
			height, len(report.Demotions), len(report.Debits))
	}
	return report, nil
}

// debitEscrow 按一个视界的存续费扣托管。够扣则续期；不够则
// 抽干余额、撤销保留标记，记录转回正常过期路径。
func (m *Manager) debitEscrow(rec *types.ExpiryRecord, height uint64) (types.PreservationDebit, bool) {
	cost := m.fee.Mul(decimal.NewFromUint64(m.cfg.HorizonBlocks))
	escrow := decimal.NewFromUint64(rec.PreservationEscrow)

	if escrow.GreaterThanOrEqual(cost) && cost.IsPositive() {
		rec.PreservationEscrow = escrow.Sub(cost).BigInt().Uint64()
		rec.Horizon = height + m.cfg.HorizonBlocks
		return types.PreservationDebit{
			Key:    rec.Key,
			Amount: cost.BigInt().Uint64(),
			Height: height,
		}, true
	}

	drained := rec.PreservationEscrow
	rec.PreservationEscrow = 0
	rec.Preserved = false
	return types.PreservationDebit{
		Key:       rec.Key,
		Amount:    drained,
		Height:    height,
		Exhausted: true,
	}, false
}

// ============================================
// 降级回执
// ============================================

// OnDemoted 执行管线完成一次降级后的回执。降到归档即移除
// 记录（数据仍在归档存储，后续处置归协作方保留策略）；
// 其余情况重置视界，等下一个周期。
func (m *Manager) OnDemoted(key types.AccountKey, to types.Tier, height uint64) error {
	if to == types.TierArchive {
		return m.Remove(key)
	}
	rec, err := m.records.GetExpiryRecord(key)
	if err != nil {
		return err
	}
	rec.Horizon = height + m.cfg.HorizonBlocks
	return m.records.PutExpiryRecord(rec)
}

// Remove 移除过期记录并注销索引（回收或永久保留时调用）
func (m *Manager) Remove(key types.AccountKey) error {
	ord, ok, err := m.records.OrdinalOf(key)
	if err != nil {
		return err
	}
	if err := m.records.DeleteExpiryRecord(key); err != nil {
		return err
	}
	if ok {
		m.idx.Remove(ord)
		return m.records.ReleaseOrdinal(key)
	}
	return nil
}
