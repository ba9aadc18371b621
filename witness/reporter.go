// witness/reporter.go
// 数据完整性违规举报：解冻取回的数据与存根哈希不符时出具
// BLS 签名举报，交监控/惩罚通道处理，绝不静默重试。
package witness

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"go.dedis.ch/kyber/v3"

	"glacier/logs"
	"glacier/types"
	"glacier/utils"
)

// ViolationReport 一次数据完整性违规。Want 为存根记录的规范
// 哈希，Got 为实际取回数据的哈希。签名覆盖除 Signature 外的
// 全部字段。
type ViolationReport struct {
	Key       types.AccountKey
	Height    uint64
	Want      types.Hash
	Got       types.Hash
	Locator   []byte
	Signature []byte
}

// digest 签名摘要：除签名外的字段按 RLP 编码
func (r *ViolationReport) digest() ([]byte, error) {
	body := struct {
		Key     types.AccountKey
		Height  uint64
		Want    types.Hash
		Got     types.Hash
		Locator []byte
	}{r.Key, r.Height, r.Want, r.Got, r.Locator}
	return rlp.EncodeToBytes(&body)
}

// Reporter 违规举报器。同一违规重复举报时 BLS 签名命中缓存，
// 不重复配对运算。举报通道满时丢弃并记日志，不阻塞解冻路径。
type Reporter struct {
	priv *ecdsa.PrivateKey
	out  chan *ViolationReport
}

// NewReporter 创建举报器；buffer 为通道容量
func NewReporter(priv *ecdsa.PrivateKey, buffer int) *Reporter {
	if buffer <= 0 {
		buffer = 256
	}
	return &Reporter{priv: priv, out: make(chan *ViolationReport, buffer)}
}

// Report 签名并提交一份违规举报，返回签名后的举报
func (r *Reporter) Report(key types.AccountKey, height uint64, want, got types.Hash, locator []byte) (*ViolationReport, error) {
	rep := &ViolationReport{Key: key, Height: height, Want: want, Got: got, Locator: locator}
	body, err := rep.digest()
	if err != nil {
		return nil, fmt.Errorf("encode violation report: %w", err)
	}
	sig, err := utils.BLSSignWithCache(r.priv, body)
	if err != nil {
		return nil, fmt.Errorf("sign violation report: %w", err)
	}
	rep.Signature = sig

	logs.Error("data integrity violation: key=%s height=%d want=%s got=%s",
		key.Short(), height, want.Hex()[:16], got.Hex()[:16])
	select {
	case r.out <- rep:
	default:
		logs.Warn("violation report channel full, dropping report for key=%s", key.Short())
	}
	return rep, nil
}

// Reports 举报读取端（监控/惩罚方消费）
func (r *Reporter) Reports() <-chan *ViolationReport {
	return r.out
}

// VerifyReport 用举报者公钥校验举报签名
func VerifyReport(pub kyber.Point, rep *ViolationReport) error {
	body, err := rep.digest()
	if err != nil {
		return err
	}
	return utils.BLSVerifySignature(pub, body, rep.Signature)
}
