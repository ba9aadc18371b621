package merkle

import (
	"crypto/sha256"
	"hash"
	"math/bits"
	"sync"
)

// ============================================
// 哈希计算
// ============================================

// Placeholder 空子树占位哈希，全零 32 字节
var Placeholder = make([]byte, PathSize)

var hasherPool = sync.Pool{
	New: func() interface{} {
		return sha256.New()
	},
}

// digest 计算 sha256，走对象池避免频繁分配
func digest(data []byte) []byte {
	h := hasherPool.Get().(hash.Hash)
	defer func() {
		h.Reset()
		hasherPool.Put(h)
	}()
	h.Reset()
	h.Write(data)
	return h.Sum(nil)
}

// PathOf 账户键到树路径的映射
func PathOf(key []byte) []byte {
	sum := sha256.Sum256(key)
	return sum[:]
}

// DigestLeaf 叶子节点哈希
func DigestLeaf(n *LeafNode) []byte {
	return digest(n.Encode())
}

// DigestInternal 内部节点哈希
func DigestInternal(n *InternalNode) []byte {
	return digest(n.Encode())
}

// ============================================
// 证明用兄弟信息
// ============================================

// SiblingInfo 单层证明数据。Bitmap 为该层去掉路径子节点后的位图，
// Siblings 按 nibble 升序保存其余子节点哈希。
type SiblingInfo struct {
	Bitmap   uint16
	Siblings [][]byte
}

// ExtractSiblings 从内部节点提取 nibble 之外的兄弟信息
func ExtractSiblings(n *InternalNode, nibble byte) SiblingInfo {
	info := SiblingInfo{
		Bitmap: n.ChildBitmap &^ (1 << nibble),
	}
	for i := byte(0); i < NumChildren; i++ {
		if i == nibble {
			continue
		}
		if child := n.GetChild(i); child != nil {
			info.Siblings = append(info.Siblings, child)
		}
	}
	return info
}

// ComputeInternalNodeHash 用兄弟信息和路径子节点哈希重建该层内部节点哈希。
// childHash 为空表示路径子节点不存在。
func ComputeInternalNodeHash(info SiblingInfo, nibble byte, childHash []byte) []byte {
	node := &InternalNode{
		ChildBitmap: info.Bitmap,
		Children:    make([][]byte, 0, len(info.Siblings)+1),
	}

	sibIdx := 0
	for i := byte(0); i < NumChildren; i++ {
		if i == nibble {
			continue
		}
		if info.Bitmap&(1<<i) != 0 {
			node.Children = append(node.Children, info.Siblings[sibIdx])
			sibIdx++
		}
	}
	if len(childHash) > 0 {
		node.SetChild(nibble, childHash)
	}
	return DigestInternal(node)
}

// siblingCount 位图中置位数量
func siblingCount(bitmap uint16) int {
	return bits.OnesCount16(bitmap)
}
