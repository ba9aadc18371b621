package merkle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
)

// ============================================
// 节点类型定义
// ============================================

const (
	// NodeTypeInternal 内部节点类型标记
	NodeTypeInternal byte = 1
	// NodeTypeLeaf 叶子节点类型标记
	NodeTypeLeaf byte = 2

	// NumChildren 每个内部节点的子节点数（16 叉树，每层消费 4 bit）
	NumChildren = 16

	// PathSize 路径字节数 = sha256 输出长度
	PathSize = 32

	// MaxDepth 最大树深度 = 路径 nibble 数
	MaxDepth = PathSize * 2
)

var (
	// ErrInvalidNodeEncoding 节点编码损坏
	ErrInvalidNodeEncoding = errors.New("invalid node encoding")
)

// getNibbleAt 取路径第 pos 个 nibble。偶数位取高 4 bit，奇数位取低 4 bit。
func getNibbleAt(path []byte, pos int) byte {
	b := path[pos/2]
	if pos%2 == 0 {
		return b >> 4
	}
	return b & 0x0F
}

// ============================================
// 叶子节点
// ============================================

// LeafNode 叶子节点，存完整路径与账户数据哈希。
// 数据哈希即承诺值本身，不做二次间接存储。
type LeafNode struct {
	Path     []byte // sha256(账户键)，32 字节
	DataHash []byte // 账户数据的规范哈希，32 字节
}

// Encode 叶子编码: [type=2][path 32B][dataHash 32B]
func (n *LeafNode) Encode() []byte {
	buf := make([]byte, 1+PathSize+PathSize)
	buf[0] = NodeTypeLeaf
	copy(buf[1:1+PathSize], n.Path)
	copy(buf[1+PathSize:], n.DataHash)
	return buf
}

// ============================================
// 内部节点
// ============================================

// InternalNode 内部节点，位图 + 紧凑子哈希数组。
// bitmap 第 i 位为 1 表示第 i 个子节点存在，
// Children 仅保存存在的子节点哈希，顺序与位图一致。
type InternalNode struct {
	ChildBitmap uint16
	Children    [][]byte
}

// HasChild 判断第 nibble 个子节点是否存在
func (n *InternalNode) HasChild(nibble byte) bool {
	return n.ChildBitmap&(1<<nibble) != 0
}

// ChildCount 存在的子节点数
func (n *InternalNode) ChildCount() int {
	return bits.OnesCount16(n.ChildBitmap)
}

// childIndex 位图中 nibble 对应的紧凑数组下标
func (n *InternalNode) childIndex(nibble byte) int {
	mask := uint16(1<<nibble) - 1
	return bits.OnesCount16(n.ChildBitmap & mask)
}

// GetChild 取第 nibble 个子节点哈希，不存在返回 nil
func (n *InternalNode) GetChild(nibble byte) []byte {
	if !n.HasChild(nibble) {
		return nil
	}
	return n.Children[n.childIndex(nibble)]
}

// SetChild 设置第 nibble 个子节点哈希
func (n *InternalNode) SetChild(nibble byte, hash []byte) {
	idx := n.childIndex(nibble)
	if n.HasChild(nibble) {
		n.Children[idx] = hash
		return
	}
	n.ChildBitmap |= 1 << nibble
	n.Children = append(n.Children, nil)
	copy(n.Children[idx+1:], n.Children[idx:])
	n.Children[idx] = hash
}

// RemoveChild 移除第 nibble 个子节点
func (n *InternalNode) RemoveChild(nibble byte) {
	if !n.HasChild(nibble) {
		return
	}
	idx := n.childIndex(nibble)
	n.Children = append(n.Children[:idx], n.Children[idx+1:]...)
	n.ChildBitmap &^= 1 << nibble
}

// OnlyChild 仅剩一个子节点时返回其 nibble 与哈希，否则 ok=false
func (n *InternalNode) OnlyChild() (byte, []byte, bool) {
	if n.ChildCount() != 1 {
		return 0, nil, false
	}
	nibble := byte(bits.TrailingZeros16(n.ChildBitmap))
	return nibble, n.Children[0], true
}

// Encode 内部节点编码: [type=1][bitmap 2B BE][children 各 32B]
func (n *InternalNode) Encode() []byte {
	buf := make([]byte, 1+2+len(n.Children)*PathSize)
	buf[0] = NodeTypeInternal
	binary.BigEndian.PutUint16(buf[1:3], n.ChildBitmap)
	offset := 3
	for _, child := range n.Children {
		copy(buf[offset:offset+PathSize], child)
		offset += PathSize
	}
	return buf
}

// ============================================
// 解码
// ============================================

// DecodeNode 解码节点，返回 *LeafNode 或 *InternalNode
func DecodeNode(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, ErrInvalidNodeEncoding
	}

	switch data[0] {
	case NodeTypeLeaf:
		if len(data) != 1+PathSize+PathSize {
			return nil, fmt.Errorf("%w: leaf length %d", ErrInvalidNodeEncoding, len(data))
		}
		return &LeafNode{
			Path:     append([]byte(nil), data[1:1+PathSize]...),
			DataHash: append([]byte(nil), data[1+PathSize:]...),
		}, nil

	case NodeTypeInternal:
		if len(data) < 3 {
			return nil, fmt.Errorf("%w: internal too short", ErrInvalidNodeEncoding)
		}
		bitmap := binary.BigEndian.Uint16(data[1:3])
		count := bits.OnesCount16(bitmap)
		if len(data) != 3+count*PathSize {
			return nil, fmt.Errorf("%w: internal length %d for %d children", ErrInvalidNodeEncoding, len(data), count)
		}
		children := make([][]byte, 0, count)
		offset := 3
		for i := 0; i < count; i++ {
			children = append(children, append([]byte(nil), data[offset:offset+PathSize]...))
			offset += PathSize
		}
		return &InternalNode{
			ChildBitmap: bitmap,
			Children:    children,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrInvalidNodeEncoding, data[0])
	}
}
