// config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config 主配置结构
type Config struct {
	Commitment CommitmentConfig `json:"commitment"`
	Witness    WitnessConfig    `json:"witness"`
	Tier       TierConfig       `json:"tier"`
	Expiry     ExpiryConfig     `json:"expiry"`
	Storage    StorageConfig    `json:"storage"`

	LogLevel int `json:"logLevel"` // 3 (Info)
}

// CommitmentConfig 承诺引擎配置
type CommitmentConfig struct {
	// 方案选择："merkle" | "kzg" | "verkle"
	Scheme string `json:"scheme"` // "merkle"

	// 历史窗口：保留最近多少个高度的根与证明所需状态
	RetainedHeights uint64 `json:"retainedHeights"` // 128

	// KZG 配置
	KZGSegmentSize uint64 `json:"kzgSegmentSize"` // 256（单段多项式的槽位数，必须是 2 的幂）

	// Verkle 配置
	VerkleNodeCacheSize int `json:"verkleNodeCacheSize"` // 4096
}

// WitnessConfig 见证生成与校验配置
type WitnessConfig struct {
	// 高度策略：0 = 严格单高度有效；>0 = 宽限窗口（须附根转移链）
	GraceWindowBlocks uint64 `json:"graceWindowBlocks"` // 0

	// 校验并发
	VerifyWorkers int `json:"verifyWorkers"` // 8

	// 已验证见证缓存（同块内去重）
	CacheSize int `json:"cacheSize"` // 8192

	// 费率参数（字符串十进制，见 witness.Pricing）
	BaseFee         string `json:"baseFee"`         // "5000"
	FeePerProofByte string `json:"feePerProofByte"` // "10"
}

// TierConfig 层级管理配置
type TierConfig struct {
	// 不活跃阈值（区块数）
	HotInactivityBlocks  uint64 `json:"hotInactivityBlocks"`  // 150
	ColdInactivityBlocks uint64 `json:"coldInactivityBlocks"` // 1200

	// 触碰表分片数（锁分段）
	TouchStripes int `json:"touchStripes"` // 64
}

// ExpiryConfig 过期管理配置
type ExpiryConfig struct {
	// 过期视界（区块数）
	HorizonBlocks uint64 `json:"horizonBlocks"` // 4000

	// 每区块保留费（lamports）
	PreservationFeePerBlock uint64 `json:"preservationFeePerBlock"` // 2

	// 扫描间隔（区块数）
	SweepIntervalBlocks uint64 `json:"sweepIntervalBlocks"` // 50
}

// StorageConfig 存储配置
type StorageConfig struct {
	// 数据目录
	DataDir     string `json:"dataDir"`     // "data/state"
	OffchainDir string `json:"offchainDir"` // "data/offchain"

	// BadgerDB 配置
	ValueLogFileSize int64         `json:"valueLogFileSize"` // 64 << 20 (64MB)
	GCInterval       time.Duration `json:"gcInterval"`       // 10 * time.Minute

	// 链下存储分片数
	OffchainShards uint64 `json:"offchainShards"` // 16
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Commitment: CommitmentConfig{
			Scheme:              "merkle",
			RetainedHeights:     128,
			KZGSegmentSize:      256,
			VerkleNodeCacheSize: 4096,
		},
		Witness: WitnessConfig{
			GraceWindowBlocks: 0,
			VerifyWorkers:     8,
			CacheSize:         8192,
			BaseFee:           "5000",
			FeePerProofByte:   "10",
		},
		Tier: TierConfig{
			HotInactivityBlocks:  150,
			ColdInactivityBlocks: 1200,
			TouchStripes:         64,
		},
		Expiry: ExpiryConfig{
			HorizonBlocks:           4000,
			PreservationFeePerBlock: 2,
			SweepIntervalBlocks:     50,
		},
		Storage: StorageConfig{
			DataDir:          "data/state",
			OffchainDir:      "data/offchain",
			ValueLogFileSize: 64 << 20,
			GCInterval:       10 * time.Minute,
			OffchainShards:   16,
		},
		LogLevel: 3,
	}
}

// LoadFromFile 从 JSON 文件加载配置，缺省字段取默认值
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MaxGraceWindowBlocks 宽限窗口上限。见证跨高度有效性以
// 根转移链为前提，窗口过大将放大链校验成本。
const MaxGraceWindowBlocks = 64

// Validate 验证配置合法性
func (c *Config) Validate() error {
	switch c.Commitment.Scheme {
	case "merkle", "kzg", "verkle":
	default:
		return fmt.Errorf("unknown commitment scheme %q", c.Commitment.Scheme)
	}
	if c.Commitment.RetainedHeights == 0 {
		return fmt.Errorf("RetainedHeights must be positive")
	}
	if c.Commitment.KZGSegmentSize == 0 || c.Commitment.KZGSegmentSize&(c.Commitment.KZGSegmentSize-1) != 0 {
		return fmt.Errorf("KZGSegmentSize must be a power of two")
	}
	if c.Witness.GraceWindowBlocks > MaxGraceWindowBlocks {
		return fmt.Errorf("GraceWindowBlocks exceeds maximum %d", MaxGraceWindowBlocks)
	}
	if c.Witness.GraceWindowBlocks >= c.Commitment.RetainedHeights {
		return fmt.Errorf("GraceWindowBlocks must be below RetainedHeights")
	}
	if c.Witness.VerifyWorkers <= 0 {
		return fmt.Errorf("VerifyWorkers must be positive")
	}
	if c.Tier.HotInactivityBlocks == 0 || c.Tier.ColdInactivityBlocks == 0 {
		return fmt.Errorf("inactivity thresholds must be positive")
	}
	if c.Tier.ColdInactivityBlocks <= c.Tier.HotInactivityBlocks {
		return fmt.Errorf("ColdInactivityBlocks must exceed HotInactivityBlocks")
	}
	if c.Tier.TouchStripes <= 0 {
		return fmt.Errorf("TouchStripes must be positive")
	}
	if c.Expiry.HorizonBlocks == 0 {
		return fmt.Errorf("HorizonBlocks must be positive")
	}
	if c.Expiry.SweepIntervalBlocks == 0 {
		return fmt.Errorf("SweepIntervalBlocks must be positive")
	}
	if c.Storage.OffchainShards == 0 {
		return fmt.Errorf("OffchainShards must be positive")
	}
	return nil
}
