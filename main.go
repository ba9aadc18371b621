package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"

	"glacier/commitment"
	"glacier/config"
	"glacier/execution"
	"glacier/expiry"
	"glacier/logs"
	"glacier/store"
	"glacier/tier"
	"glacier/types"
	"glacier/utils"
	"glacier/witness"
)

func main() {
	// 1. 解析命令行参数
	var (
		dataPath   = flag.String("data", "./data", "data directory")
		configFile = flag.String("config", "", "config file path")
		demoBlocks = flag.Uint64("demo-blocks", 0, "run a demo block loop for N blocks, then exit")
	)
	flag.Parse()

	// 2. 加载配置
	cfg := loadConfig(*dataPath, *configFile)
	logs.SetLevel(cfg.LogLevel)

	// 3. 打开存储：账本与承诺节点共用一个 Badger，链下数据走 Pebble
	badgerDB, err := badger.Open(badger.DefaultOptions(cfg.Storage.DataDir).
		WithValueLogFileSize(cfg.Storage.ValueLogFileSize).
		WithLogger(nil))
	if err != nil {
		logs.Error("open state store: %v", err)
		os.Exit(1)
	}
	defer badgerDB.Close()
	go runBadgerGC(badgerDB, cfg.Storage.GCInterval)

	ledger := store.NewAccountDB(badgerDB)
	nodes := store.NewBadgerStore(badgerDB, []byte("n/"))

	offchain, err := store.OpenOffchainDB(cfg.Storage.OffchainDir,
		cfg.Storage.OffchainShards, store.SeedFromDir(cfg.Storage.OffchainDir))
	if err != nil {
		logs.Error("open offchain store: %v", err)
		os.Exit(1)
	}
	defer offchain.Close()

	// 4. 装配核心：承诺引擎、见证生成/校验、层级与过期管理
	engine, err := commitment.Open(cfg.Commitment, nodes)
	if err != nil {
		logs.Error("open commitment engine: %v", err)
		os.Exit(1)
	}
	defer engine.Close()

	verifier, err := witness.NewVerifier(engine, cfg.Witness)
	if err != nil {
		logs.Error("build verifier: %v", err)
		os.Exit(1)
	}
	pricing, err := witness.NewPricing(cfg.Witness.BaseFee, cfg.Witness.FeePerProofByte)
	if err != nil {
		logs.Error("build pricing: %v", err)
		os.Exit(1)
	}

	km := utils.GetKeyManager()
	if err := km.LoadOrCreate(filepath.Join(*dataPath, "node_key.pem")); err != nil {
		logs.Error("load node key: %v", err)
		os.Exit(1)
	}
	reporter := witness.NewReporter(km.PrivateKeyECDSA, 256)

	tiers := tier.NewManager(cfg.Tier, ledger, ledger, offchain, reporter)
	generator := witness.NewGenerator(engine, tiers, pricing)

	expiryMgr, err := expiry.NewManager(cfg.Expiry, ledger)
	if err != nil {
		logs.Error("build expiry manager: %v", err)
		os.Exit(1)
	}
	pipeline := execution.NewPipeline(engine, verifier, tiers, expiryMgr, ledger, ledger)

	// 5. 过期调度独立运行，回执走通道流回管线
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler := expiry.NewScheduler(expiryMgr, cfg.Expiry.SweepIntervalBlocks)
	go scheduler.Run(ctx)
	go drainViolations(ctx, reporter)

	latest, err := ledger.LatestHeight()
	if err != nil {
		logs.Error("read latest height: %v", err)
		os.Exit(1)
	}
	logs.Info("glacier core up: scheme=%s latest_height=%d tracked_expiry=%d",
		engine.SchemeID(), latest, expiryMgr.TrackedRecords())

	// 6. 演示模式：跑一段自产区块的访问流量后退出
	if *demoBlocks > 0 {
		runDemo(ctx, pipeline, generator, scheduler, latest, *demoBlocks)
		return
	}

	// 7. 常驻模式：等待协作方接入，信号退出
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logs.Info("shutting down")
}

// loadConfig 加载配置；未给配置文件则用默认值 + 数据目录覆盖
func loadConfig(dataPath, configFile string) *config.Config {
	if configFile != "" {
		cfg, err := config.LoadFromFile(configFile)
		if err != nil {
			logs.Error("load config: %v", err)
			os.Exit(1)
		}
		return cfg
	}
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(dataPath, "state")
	cfg.Storage.OffchainDir = filepath.Join(dataPath, "offchain")
	if err := cfg.Validate(); err != nil {
		logs.Error("invalid config: %v", err)
		os.Exit(1)
	}
	return cfg
}

// runBadgerGC 周期触发 Badger 值日志回收
func runBadgerGC(db *badger.DB, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		for db.RunValueLogGC(0.5) == nil {
		}
	}
}

// drainViolations 消费完整性违规举报（演示里只打日志；生产上
// 这里接监控与惩罚通道）
func drainViolations(ctx context.Context, reporter *witness.Reporter) {
	for {
		select {
		case <-ctx.Done():
			return
		case rep := <-reporter.Reports():
			logs.Warn("violation report: key=%s height=%d sig=%dB",
				rep.Key.Short(), rep.Height, len(rep.Signature))
		}
	}
}

// runDemo 自产流量的演示循环：建号、晾凉、降级、见证解冻
func runDemo(ctx context.Context, pipeline *execution.Pipeline,
	generator *witness.Generator, scheduler *expiry.Scheduler,
	startHeight, blocks uint64) {

	demoKey := types.KeyFromString("demo-account")
	demoData := []byte("glacier demo account data")

	for i := uint64(1); i <= blocks; i++ {
		height := startHeight + i

		var txs []*execution.Tx
		switch {
		case i == 1:
			// 首块建号
			txs = append(txs, &execution.Tx{Writes: []execution.AccountWrite{
				{Key: demoKey, Data: demoData, Lamports: 1000},
			}})
		case i%7 == 0:
			// 周期性持见证访问：冷了就顺带解冻
			w, err := generator.Generate(demoKey, height-1)
			if err != nil {
				logs.Warn("demo witness at height %d: %v", height, err)
			} else {
				logs.Info("demo witness: size=%dB fee=%s", w.ProofSize(), generator.Quote(w))
				txs = append(txs, &execution.Tx{
					Reads:     []types.AccountKey{demoKey},
					Witnesses: []*types.Witness{w},
				})
			}
		}

		outcome, err := pipeline.ExecuteBlock(ctx, height, txs)
		if err != nil {
			logs.Error("demo block %d: %v", height, err)
			return
		}
		for _, tr := range outcome.Transitions {
			logs.Info("demo transition: key=%s %s->%s (%s)", tr.Key.Short(), tr.From, tr.To, tr.Reason)
		}

		pipeline.DemoteIdle(height)
		scheduler.Notify(height)
		select {
		case report := <-scheduler.Reports():
			pipeline.ApplySweep(report)
		default:
		}
	}
	logs.Info("demo finished after %d blocks", blocks)
}
