// execution/pipeline.go
// 区块执行管线：并行见证校验 → 解冻 → 串行批量落账 → 出参。
// 累加器与层级/过期表在一个区块高度内归本管线独占；全部
// 承诺变更集中在校验结束后的单写者批一次应用。
package execution

import (
	"context"
	"errors"
	"fmt"

	"glacier/commitment"
	"glacier/expiry"
	"glacier/interfaces"
	"glacier/logs"
	"glacier/tier"
	"glacier/types"
	"glacier/witness"
)

// Pipeline 区块执行管线。
// 账户级失败（校验、完整性）只拒掉当笔交易；累加器级失败
// （*commitment.CommitmentError）威胁唯一根不变量，区块致命。
type Pipeline struct {
	engine   *commitment.Engine
	verifier *witness.Verifier
	tiers    *tier.Manager
	expiry   *expiry.Manager
	accounts interfaces.AccountStore
	outcomes interfaces.OutcomeStore

	// 区块间隙积累的处置结果，随下一个区块出参上报
	pendingTransitions []types.TierTransition
	pendingDebits      []types.PreservationDebit
}

// NewPipeline 组装执行管线
func NewPipeline(engine *commitment.Engine, verifier *witness.Verifier,
	tiers *tier.Manager, exp *expiry.Manager,
	accounts interfaces.AccountStore, outcomes interfaces.OutcomeStore) *Pipeline {
	return &Pipeline{
		engine:   engine,
		verifier: verifier,
		tiers:    tiers,
		expiry:   exp,
		accounts: accounts,
		outcomes: outcomes,
	}
}

// ============================================
// 区块执行
// ============================================

// ExecuteBlock 执行一个区块。
// 流程：登记引用集 → 并行校验全部见证 → 逐笔处理（解冻、
// 读写覆盖层）→ 单写者批量更新累加器 → 层级落账 → 出参。
// 出错语义：返回 error 即区块致命，无任何落账；单笔交易的
// 拒绝只出现在出参的 Rejected 列表里。
func (p *Pipeline) ExecuteBlock(ctx context.Context, height uint64, txs []*Tx) (*types.BlockOutcome, error) {
	refs := make([]types.AccountKey, 0, len(txs)*2)
	for _, tx := range txs {
		refs = append(refs, tx.Keys()...)
	}
	p.tiers.BeginBlock(height, refs)

	trustedHeight := height - 1
	var trustedRoot types.Hash
	if trustedHeight > 0 {
		root, err := p.engine.RootAt(trustedHeight)
		if err != nil {
			p.tiers.Abort()
			return nil, fmt.Errorf("trusted root at height %d: %w", trustedHeight, err)
		}
		trustedRoot = root
	}

	// ---- 阶段一：并行校验整个区块的见证 ----
	flat := make([]*types.Witness, 0, len(txs))
	offsets := make([]int, len(txs)+1)
	for i, tx := range txs {
		offsets[i] = len(flat)
		flat = append(flat, tx.Witnesses...)
	}
	offsets[len(txs)] = len(flat)
	verdicts := p.verifier.VerifyBatch(flat, trustedRoot, trustedHeight)

	// ---- 阶段二：逐笔处理 ----
	blk := &blockState{
		overlay: make(map[types.AccountKey]*types.Account),
		deleted: make(map[types.AccountKey]struct{}),
		touched: make(map[types.AccountKey]struct{}),
	}
	for i, tx := range txs {
		p.executeTx(ctx, blk, height, uint32(i), tx, verdicts[offsets[i]:offsets[i+1]])
	}

	// ---- 阶段三：单写者批量落账 ----
	newRoot, err := p.engine.Update(height, p.commitBatch(blk, trustedHeight))
	if err != nil {
		p.tiers.Abort()
		return nil, err
	}

	// 解冻先落账，覆盖层的末值随后写入——同键既解冻又被改写时
	// 以本区块的写为准
	thawTransitions, err := p.tiers.Commit(height)
	if err != nil {
		return nil, fmt.Errorf("tier commit at height %d: %w", height, err)
	}
	for key := range blk.deleted {
		if err := p.accounts.DeleteAccount(key); err != nil {
			return nil, fmt.Errorf("delete account %s: %w", key.Short(), err)
		}
		if err := p.expiry.Remove(key); err != nil {
			return nil, fmt.Errorf("drop expiry record %s: %w", key.Short(), err)
		}
	}
	for _, acct := range blk.overlay {
		if err := p.accounts.PutAccount(acct); err != nil {
			return nil, fmt.Errorf("persist account %s: %w", acct.Key.Short(), err)
		}
	}

	for key := range blk.touched {
		if _, gone := blk.deleted[key]; gone {
			continue
		}
		p.tiers.RecordTouch(key, height)
		if err := p.expiry.OnTouch(key, height); err != nil {
			return nil, fmt.Errorf("expiry touch %s: %w", key.Short(), err)
		}
	}

	// ---- 出参 ----
	outcome := &types.BlockOutcome{
		Height:      height,
		NewRoot:     newRoot,
		Transitions: append(p.pendingTransitions, thawTransitions...),
		Debits:      p.pendingDebits,
		Rejected:    blk.rejected,
	}
	p.pendingTransitions = nil
	p.pendingDebits = nil

	if err := p.outcomes.PutOutcome(outcome); err != nil {
		return nil, fmt.Errorf("persist outcome at height %d: %w", height, err)
	}
	if err := p.outcomes.SetLatestHeight(height); err != nil {
		return nil, err
	}
	logs.Info("block %d: root=%s txs=%d rejected=%d transitions=%d",
		height, newRoot.Hex()[:16], len(txs), len(outcome.Rejected), len(outcome.Transitions))
	return outcome, nil
}

// blockState 区块内可变状态：写覆盖层（同块读己之写）、
// 销户集、触碰集与拒绝列表。
type blockState struct {
	overlay  map[types.AccountKey]*types.Account
	deleted  map[types.AccountKey]struct{}
	touched  map[types.AccountKey]struct{}
	rejected []types.RejectedTx
}

// executeTx 处理单笔交易。任何拒绝都在改动任何状态之前发生：
// 校验失败的交易对层级表与累加器零副作用。
func (p *Pipeline) executeTx(ctx context.Context, blk *blockState, height uint64,
	txIndex uint32, tx *Tx, verdicts []witness.Verdict) {

	// 见证裁决：一票否决
	accepted := make(map[types.AccountKey]struct{}, len(tx.Witnesses))
	for wi, w := range tx.Witnesses {
		if w == nil {
			continue
		}
		v := verdicts[wi]
		if !v.Accepted {
			reason := v.Reason
			if reason == types.ReasonNone {
				reason = types.ReasonMalformedProof
			}
			blk.reject(txIndex, w.AccountKey, reason)
			logs.Verbose("tx %d rejected: key=%s reason=%s detail=%s",
				txIndex, w.AccountKey.Short(), reason, v.Detail)
			return
		}
		accepted[w.AccountKey] = struct{}{}
	}

	// 冷引用检查：没有见证背书的冷/归档账户引用整笔拒绝
	for _, key := range tx.Keys() {
		if _, hasWitness := accepted[key]; hasWitness {
			continue
		}
		if !p.readableHot(blk, key) && p.isStubbed(key) {
			blk.reject(txIndex, key, types.ReasonMissingWitness)
			return
		}
	}

	// 解冻：持见证的冷账户取回数据。取数挂起不持任何锁；
	// 数据对不上存根哈希按伪造处理，当笔中止。
	for key := range accepted {
		if p.readableHot(blk, key) {
			continue
		}
		if !p.isStubbed(key) {
			continue
		}
		if _, err := p.tiers.Thaw(ctx, key); err != nil {
			if errors.Is(err, tier.ErrDataIntegrityViolation) {
				blk.reject(txIndex, key, types.ReasonDataIntegrity)
			} else {
				logs.Warn("thaw %s: %v", key.Short(), err)
				blk.reject(txIndex, key, types.ReasonMissingWitness)
			}
			return
		}
	}

	// 写入进覆盖层，落账推迟到批量步骤
	for _, w := range tx.Writes {
		if w.Delete {
			delete(blk.overlay, w.Key)
			blk.deleted[w.Key] = struct{}{}
			continue
		}
		delete(blk.deleted, w.Key)
		blk.overlay[w.Key] = &types.Account{
			Key:       w.Key,
			Data:      append([]byte(nil), w.Data...),
			Owner:     w.Owner,
			Lamports:  w.Lamports,
			Tier:      types.TierHot,
			LastTouch: height,
		}
	}
	for _, key := range tx.Keys() {
		blk.touched[key] = struct{}{}
	}
}

func (bs *blockState) reject(txIndex uint32, key types.AccountKey, reason types.RejectReason) {
	bs.rejected = append(bs.rejected, types.RejectedTx{TxIndex: txIndex, Key: key, Reason: reason})
}

// readableHot 键在本区块内是否可按热账户读到
// （写覆盖层 → 解冻覆盖层 → 热记录）
func (p *Pipeline) readableHot(blk *blockState, key types.AccountKey) bool {
	if _, gone := blk.deleted[key]; gone {
		return false
	}
	if _, ok := blk.overlay[key]; ok {
		return true
	}
	if _, ok := p.tiers.ThawedAccount(key); ok {
		return true
	}
	_, err := p.accounts.GetAccount(key)
	return err == nil
}

// isStubbed 键是否有冷/归档存根
func (p *Pipeline) isStubbed(key types.AccountKey) bool {
	tr, err := p.tiers.TierOf(key)
	return err == nil && tr != types.TierHot
}

// commitBatch 把覆盖层的最终状态折算成一批承诺变更。
// 同键多笔写在覆盖层里已经合并成末值，引擎侧不会见到冲突。
func (p *Pipeline) commitBatch(blk *blockState, trustedHeight uint64) []commitment.Update {
	batch := make([]commitment.Update, 0, len(blk.overlay)+len(blk.deleted))
	for key, acct := range blk.overlay {
		insert := true
		if trustedHeight > 0 {
			if ok, err := p.engine.Contains(trustedHeight, key); err == nil {
				insert = !ok
			}
		}
		batch = append(batch, commitment.Update{
			Key:       key,
			ValueHash: acct.DataDigest(),
			Insert:    insert,
		})
	}
	for key := range blk.deleted {
		batch = append(batch, commitment.Update{Key: key, Delete: true})
	}
	return batch
}

// ReadAccount 区块外读路径：热记录直读；冷/归档返回
// ErrAccountNotFound（取数必须走见证+解冻）。
func (p *Pipeline) ReadAccount(key types.AccountKey) (*types.Account, error) {
	return p.accounts.GetAccount(key)
}

// ============================================
// 区块间隙的处置任务
// ============================================

// ApplySweep 消化一份过期扫描回执：逐键降级（被在途区块引用
// 的跳过，下轮再试），扣费与转移积累到下一个区块出参。
func (p *Pipeline) ApplySweep(report *expiry.SweepReport) {
	for _, key := range report.Demotions {
		tr, err := p.tiers.Demote(key, report.Height)
		if err != nil {
			if !errors.Is(err, tier.ErrPendingReference) {
				logs.Warn("sweep demote %s: %v", key.Short(), err)
			}
			continue
		}
		if tr == nil {
			continue
		}
		p.pendingTransitions = append(p.pendingTransitions, *tr)
		if err := p.expiry.OnDemoted(key, tr.To, report.Height); err != nil {
			logs.Warn("expiry acknowledge %s: %v", key.Short(), err)
		}
	}
	p.pendingDebits = append(p.pendingDebits, report.Debits...)
}

// DemoteIdle 区块间隙的闲置降级：触碰表里超过热层不活跃阈值
// 的账户降为冷。
func (p *Pipeline) DemoteIdle(height uint64) {
	for _, tr := range p.tiers.DemoteIdle(height) {
		p.pendingTransitions = append(p.pendingTransitions, tr)
		if err := p.expiry.OnDemoted(tr.Key, tr.To, height); err != nil {
			logs.Warn("expiry acknowledge %s: %v", tr.Key.Short(), err)
		}
	}
}

// Engine 暴露承诺引擎（见证生成与观测用）
func (p *Pipeline) Engine() *commitment.Engine {
	return p.engine
}
