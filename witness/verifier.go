// witness/verifier.go
// 见证校验：对照受信根出具裁决。严格策略只认同高度见证；
// 宽限策略允许有限落后，以完整的根转移链为桥。
package witness

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"glacier/config"
	"glacier/interfaces"
	"glacier/types"
)

// cacheKey 已验证缓存键。每个高度的根唯一，(键, 高度, 数据哈希)
// 足以复用方案层校验结论；宽限链每次照常检查。
type cacheKey struct {
	key      types.AccountKey
	height   uint64
	dataHash types.Hash
}

// Verifier 见证校验器。除性能缓存外无状态，校验失败零副作用；
// 解冻等后续动作由执行管线在拿到 Accepted 裁决后自行触发。
type Verifier struct {
	src   Source
	grace uint64
	cache *lru.Cache[cacheKey, struct{}]

	workers int
}

// NewVerifier 按配置构建校验器
func NewVerifier(src Source, cfg config.WitnessConfig) (*Verifier, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 8192
	}
	cache, err := lru.New[cacheKey, struct{}](size)
	if err != nil {
		return nil, err
	}
	workers := cfg.VerifyWorkers
	if workers <= 0 {
		workers = 1
	}
	return &Verifier{
		src:     src,
		grace:   cfg.GraceWindowBlocks,
		cache:   cache,
		workers: workers,
	}, nil
}

// Verify 校验单个见证。
// 高度策略：
//   - 严格（grace = 0）：见证高度必须等于受信高度；
//   - 宽限（grace > 0）：允许落后至多 grace 块，根转移链须
//     完整覆盖 (见证高度, 受信高度] 且每一环与本地记录一致。
func (v *Verifier) Verify(w *types.Witness, trustedRoot types.Hash, trustedHeight uint64) Verdict {
	if w == nil || len(w.Proof) == 0 {
		return reject(types.ReasonMalformedProof, "empty witness")
	}
	if !w.Scheme.Valid() || w.Scheme != v.src.SchemeID() {
		return reject(types.ReasonUnknownScheme, "scheme %s, verifier expects %s", w.Scheme, v.src.SchemeID())
	}

	// 高度策略决定证明对照的锚根
	var anchor types.Hash
	switch {
	case w.Height == trustedHeight:
		anchor = trustedRoot
	case w.Height > trustedHeight:
		return reject(types.ReasonExpiredHeight, "witness height %d ahead of trusted %d", w.Height, trustedHeight)
	case v.grace == 0:
		return reject(types.ReasonExpiredHeight, "strict policy: witness height %d, trusted %d", w.Height, trustedHeight)
	case trustedHeight-w.Height > v.grace:
		return reject(types.ReasonExpiredHeight, "witness %d blocks stale, grace window %d", trustedHeight-w.Height, v.grace)
	default:
		root, vd := v.chainAnchor(w, trustedRoot, trustedHeight)
		if vd != nil {
			return *vd
		}
		anchor = root
	}

	ck := cacheKey{key: w.AccountKey, height: w.Height, dataHash: w.DataHash}
	if _, ok := v.cache.Get(ck); ok {
		return accept(w.DataHash)
	}

	if err := v.src.VerifyProof(anchor, w.AccountKey, w.DataHash, w.Proof); err != nil {
		if errors.Is(err, interfaces.ErrMalformedProof) {
			return reject(types.ReasonMalformedProof, "%v", err)
		}
		return reject(types.ReasonRootMismatch, "%v", err)
	}

	v.cache.Add(ck, struct{}{})
	return accept(w.DataHash)
}

// chainAnchor 校验根转移链并返回见证高度处的锚根。
// 链必须逐高度覆盖 (w.Height, trustedHeight]、环环相扣、终点
// 等于受信根；每一环还要与本地记录的转移一致，防伪造链。
func (v *Verifier) chainAnchor(w *types.Witness, trustedRoot types.Hash, trustedHeight uint64) (types.Hash, *Verdict) {
	span := trustedHeight - w.Height
	chain := w.RootChain
	if uint64(len(chain)) != span {
		vd := reject(types.ReasonExpiredHeight, "root chain covers %d of %d transitions", len(chain), span)
		return types.Hash{}, &vd
	}
	for i, link := range chain {
		if link.Height != w.Height+1+uint64(i) {
			vd := reject(types.ReasonExpiredHeight, "root chain out of order at index %d: height %d", i, link.Height)
			return types.Hash{}, &vd
		}
		if i > 0 && link.Parent != chain[i-1].Root {
			vd := reject(types.ReasonRootMismatch, "root chain discontinuous at height %d", link.Height)
			return types.Hash{}, &vd
		}
		rec, err := v.src.TransitionAt(link.Height)
		if err != nil {
			vd := reject(types.ReasonExpiredHeight, "transition at height %d not retained", link.Height)
			return types.Hash{}, &vd
		}
		if rec.Parent != link.Parent || rec.Root != link.Root {
			vd := reject(types.ReasonRootMismatch, "root chain link at height %d does not match recorded transition", link.Height)
			return types.Hash{}, &vd
		}
	}
	if chain[span-1].Root != trustedRoot {
		vd := reject(types.ReasonRootMismatch, "root chain does not end at trusted root")
		return types.Hash{}, &vd
	}
	return chain[0].Parent, nil
}

// VerifyBatch 并发校验一批见证，结果按下标对位返回。
// nil 条目表示该交易不带见证，裁决保持零值（Reason=ReasonNone），
// 由调用方解释。
func (v *Verifier) VerifyBatch(ws []*types.Witness, trustedRoot types.Hash, trustedHeight uint64) []Verdict {
	out := make([]Verdict, len(ws))
	if len(ws) == 0 {
		return out
	}

	workers := v.workers
	if workers > len(ws) {
		workers = len(ws)
	}
	jobs := make(chan int, len(ws))
	var wg sync.WaitGroup
	wg.Add(workers)
	for n := 0; n < workers; n++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ws[i] == nil {
					continue
				}
				out[i] = v.Verify(ws[i], trustedRoot, trustedHeight)
			}
		}()
	}
	for i := range ws {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return out
}
