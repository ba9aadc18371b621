package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"glacier/commitment"
	"glacier/config"
	"glacier/expiry"
	"glacier/store"
	"glacier/tier"
	"glacier/types"
	"glacier/witness"
)

// testRig 全内存的管线装配：默克尔方案 + 内存账本 + 内存链下
type testRig struct {
	pipeline *Pipeline
	tiers    *tier.Manager
	expiry   *expiry.Manager
	gen      *witness.Generator
	ledger   *store.MemoryLedger
	offchain *store.MemoryOffchain
	height   uint64
}

func newTestRig(t *testing.T, grace uint64) *testRig {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Tier.HotInactivityBlocks = 3
	cfg.Tier.ColdInactivityBlocks = 6
	cfg.Expiry.HorizonBlocks = 20
	cfg.Witness.GraceWindowBlocks = grace

	engine, err := commitment.Open(cfg.Commitment, store.NewMemoryStore())
	if err != nil {
		t.Fatal(err)
	}
	verifier, err := witness.NewVerifier(engine, cfg.Witness)
	if err != nil {
		t.Fatal(err)
	}
	ledger := store.NewMemoryLedger()
	offchain := store.NewMemoryOffchain()
	tiers := tier.NewManager(cfg.Tier, ledger, ledger, offchain, nil)
	exp, err := expiry.NewManager(cfg.Expiry, ledger)
	if err != nil {
		t.Fatal(err)
	}
	pricing, err := witness.NewPricing(cfg.Witness.BaseFee, cfg.Witness.FeePerProofByte)
	if err != nil {
		t.Fatal(err)
	}
	return &testRig{
		pipeline: NewPipeline(engine, verifier, tiers, exp, ledger, ledger),
		tiers:    tiers,
		expiry:   exp,
		gen:      witness.NewGenerator(engine, tiers, pricing),
		ledger:   ledger,
		offchain: offchain,
	}
}

// runBlock 执行下一个高度的区块
func (r *testRig) runBlock(t *testing.T, txs ...*Tx) *types.BlockOutcome {
	t.Helper()
	r.height++
	outcome, err := r.pipeline.ExecuteBlock(context.Background(), r.height, txs)
	if err != nil {
		t.Fatalf("block %d: %v", r.height, err)
	}
	return outcome
}

// seedAndFreeze 建号、跑空块到不活跃阈值、降冷，返回键
func (r *testRig) seedAndFreeze(t *testing.T, name string, data []byte) types.AccountKey {
	t.Helper()
	key := types.KeyFromString(name)
	r.runBlock(t, &Tx{Writes: []AccountWrite{{Key: key, Data: data, Lamports: 100}}})
	for i := uint64(0); i < 4; i++ {
		r.runBlock(t)
	}
	r.pipeline.DemoteIdle(r.height)
	if tr, err := r.tiers.TierOf(key); err != nil || tr != types.TierCold {
		t.Fatalf("expected cold after idle demotion, tier=%v err=%v", tr, err)
	}
	return key
}

func TestCreateAccountsDeterministicRoot(t *testing.T) {
	rig := newTestRig(t, 0)
	a := types.KeyFromString("px-a")
	b := types.KeyFromString("px-b")

	outcome := rig.runBlock(t,
		&Tx{Writes: []AccountWrite{{Key: a, Data: []byte("alpha"), Lamports: 10}}},
		&Tx{Writes: []AccountWrite{{Key: b, Data: []byte("beta"), Lamports: 20}}},
	)
	assert.False(t, outcome.NewRoot.IsZero())
	assert.Empty(t, outcome.Rejected)

	// 批内顺序不影响根：另一套管线按相反顺序建号
	rig2 := newTestRig(t, 0)
	outcome2 := rig2.runBlock(t,
		&Tx{Writes: []AccountWrite{{Key: b, Data: []byte("beta"), Lamports: 20}}},
		&Tx{Writes: []AccountWrite{{Key: a, Data: []byte("alpha"), Lamports: 10}}},
	)
	assert.Equal(t, outcome.NewRoot, outcome2.NewRoot)
}

// 规格场景：闲置降冷 → 持见证解冻 → 同块后续交易读到解冻数据
func TestThawScenarioReadYourWrites(t *testing.T) {
	rig := newTestRig(t, 0)
	data := []byte("account X payload")
	key := rig.seedAndFreeze(t, "px-x", data)

	w, err := rig.gen.Generate(key, rig.height)
	if err != nil {
		t.Fatal(err)
	}

	outcome := rig.runBlock(t,
		&Tx{Reads: []types.AccountKey{key}, Witnesses: []*types.Witness{w}},
		// 同块第二笔不带见证：解冻对它可见，不该被拒
		&Tx{Reads: []types.AccountKey{key}},
	)
	assert.Empty(t, outcome.Rejected)

	var thaws int
	for _, tr := range outcome.Transitions {
		if tr.Reason == types.TransitionThaw {
			thaws++
			assert.Equal(t, types.TierCold, tr.From)
			assert.Equal(t, types.TierHot, tr.To)
		}
	}
	assert.Equal(t, 1, thaws)

	// 落账后热记录完整回归
	acct, err := rig.ledger.GetAccount(key)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, data, acct.Data)
}

// 规格场景：高度 100 的见证打到高度 150 的根上，严格策略拒绝
func TestStaleWitnessRejectedStrict(t *testing.T) {
	rig := newTestRig(t, 0)
	key := rig.seedAndFreeze(t, "px-stale", []byte("stale payload"))

	w, err := rig.gen.Generate(key, rig.height)
	if err != nil {
		t.Fatal(err)
	}
	// 见证高度停在生成点，受信高度继续前进
	rig.runBlock(t)
	rig.runBlock(t)

	outcome := rig.runBlock(t, &Tx{Reads: []types.AccountKey{key}, Witnesses: []*types.Witness{w}})
	if assert.Len(t, outcome.Rejected, 1) {
		assert.Equal(t, types.ReasonExpiredHeight, outcome.Rejected[0].Reason)
	}
	// 拒绝零副作用：账户保持冷态
	tr, err := rig.tiers.TierOf(key)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, types.TierCold, tr)
}

func TestStaleWitnessAcceptedWithGraceChain(t *testing.T) {
	rig := newTestRig(t, 8)
	key := rig.seedAndFreeze(t, "px-grace", []byte("grace payload"))

	w, err := rig.gen.Generate(key, rig.height)
	if err != nil {
		t.Fatal(err)
	}
	rig.runBlock(t)
	rig.runBlock(t)

	// 补挂根转移链到下一个受信高度（执行中的区块以 height-1 为受信）
	if err := rig.gen.ExtendChain(w, rig.height); err != nil {
		t.Fatal(err)
	}
	outcome := rig.runBlock(t, &Tx{Reads: []types.AccountKey{key}, Witnesses: []*types.Witness{w}})
	assert.Empty(t, outcome.Rejected)
}

func TestMissingWitnessRejected(t *testing.T) {
	rig := newTestRig(t, 0)
	key := rig.seedAndFreeze(t, "px-missing", []byte("cold payload"))

	outcome := rig.runBlock(t, &Tx{Reads: []types.AccountKey{key}})
	if assert.Len(t, outcome.Rejected, 1) {
		assert.Equal(t, types.ReasonMissingWitness, outcome.Rejected[0].Reason)
	}
}

func TestTamperedWitnessNeverAccepted(t *testing.T) {
	rig := newTestRig(t, 0)
	key := rig.seedAndFreeze(t, "px-tamper", []byte("honest payload"))

	w, err := rig.gen.Generate(key, rig.height)
	if err != nil {
		t.Fatal(err)
	}
	w.DataHash = types.DataHash([]byte("forged payload"))

	outcome := rig.runBlock(t, &Tx{Reads: []types.AccountKey{key}, Witnesses: []*types.Witness{w}})
	if assert.Len(t, outcome.Rejected, 1) {
		reason := outcome.Rejected[0].Reason
		if reason != types.ReasonRootMismatch && reason != types.ReasonMalformedProof {
			t.Fatalf("tampered witness must reject as root_mismatch or malformed_proof, got %s", reason)
		}
	}
}

func TestForgedOffchainDataAbortsTx(t *testing.T) {
	rig := newTestRig(t, 0)
	key := rig.seedAndFreeze(t, "px-forged", []byte("real bytes"))

	stub, err := rig.ledger.GetStub(key)
	if err != nil {
		t.Fatal(err)
	}
	rig.offchain.Corrupt(stub.LocationRef, []byte("malicious bytes"))

	w, err := rig.gen.Generate(key, rig.height)
	if err != nil {
		t.Fatal(err)
	}
	outcome := rig.runBlock(t, &Tx{Reads: []types.AccountKey{key}, Witnesses: []*types.Witness{w}})
	if assert.Len(t, outcome.Rejected, 1) {
		assert.Equal(t, types.ReasonDataIntegrity, outcome.Rejected[0].Reason)
	}
	// 伪造未遂不改层级：账户仍是冷的
	tr, err := rig.tiers.TierOf(key)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, types.TierCold, tr)
}

func TestSweepDemotesThroughPipeline(t *testing.T) {
	rig := newTestRig(t, 0)
	key := rig.seedAndFreeze(t, "px-sweep", []byte("sweep payload"))

	// 视界之后的扫描产出降级指令，管线消化成 Cold→Archive
	report, err := rig.expiry.Sweep(rig.height + 25)
	if err != nil {
		t.Fatal(err)
	}
	assert.Contains(t, report.Demotions, key)
	rig.pipeline.ApplySweep(report)

	tr, err := rig.tiers.TierOf(key)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, types.TierArchive, tr)

	// 处置结果随下一个区块出参上报
	outcome := rig.runBlock(t)
	var archived bool
	for _, transition := range outcome.Transitions {
		if transition.Key == key && transition.To == types.TierArchive {
			archived = true
		}
	}
	assert.True(t, archived)
}

// 归档账户回热只有一条路：带见证。无见证的读一律拒绝。
func TestArchivedAccountRequiresWitness(t *testing.T) {
	rig := newTestRig(t, 0)
	data := []byte("deep frozen payload")
	key := rig.seedAndFreeze(t, "px-archive", data)

	report, err := rig.expiry.Sweep(rig.height + 25)
	if err != nil {
		t.Fatal(err)
	}
	rig.pipeline.ApplySweep(report)
	tr, err := rig.tiers.TierOf(key)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, types.TierArchive, tr)

	outcome := rig.runBlock(t, &Tx{Reads: []types.AccountKey{key}})
	if assert.Len(t, outcome.Rejected, 1) {
		assert.Equal(t, types.ReasonMissingWitness, outcome.Rejected[0].Reason)
	}

	// 带有效见证即可从归档层解冻
	w, err := rig.gen.Generate(key, rig.height)
	if err != nil {
		t.Fatal(err)
	}
	outcome = rig.runBlock(t, &Tx{Reads: []types.AccountKey{key}, Witnesses: []*types.Witness{w}})
	assert.Empty(t, outcome.Rejected)

	acct, err := rig.ledger.GetAccount(key)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, data, acct.Data)
	var thawed bool
	for _, transition := range outcome.Transitions {
		if transition.Key == key && transition.To == types.TierHot {
			assert.Equal(t, types.TierArchive, transition.From)
			thawed = true
		}
	}
	assert.True(t, thawed)
}

func TestPreservedAccountSurvivesSweep(t *testing.T) {
	rig := newTestRig(t, 0)
	key := rig.seedAndFreeze(t, "px-preserved", []byte("preserved payload"))
	if err := rig.expiry.Preserve(key, 1_000_000); err != nil {
		t.Fatal(err)
	}

	report, err := rig.expiry.Sweep(rig.height + 25)
	if err != nil {
		t.Fatal(err)
	}
	assert.NotContains(t, report.Demotions, key)
	rig.pipeline.ApplySweep(report)

	// 保留账户只扣费：层级不动、存根还在冷层、链下数据未动
	tr, err := rig.tiers.TierOf(key)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, types.TierCold, tr)
	outcome := rig.runBlock(t)
	if assert.Len(t, outcome.Debits, 1) {
		assert.Equal(t, key, outcome.Debits[0].Key)
		assert.False(t, outcome.Debits[0].Exhausted)
	}
}

func TestDeleteAccountLeavesDomain(t *testing.T) {
	rig := newTestRig(t, 0)
	key := types.KeyFromString("px-delete")
	rig.runBlock(t, &Tx{Writes: []AccountWrite{{Key: key, Data: []byte("ephemeral"), Lamports: 1}}})
	rig.runBlock(t, &Tx{Writes: []AccountWrite{{Key: key, Delete: true}}})

	// 销户后键离开累加器定义域，见证生成随之失败
	_, err := rig.gen.Generate(key, rig.height)
	assert.ErrorIs(t, err, witness.ErrUnknownAccount)
}
