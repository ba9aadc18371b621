// commitment/errors.go
package commitment

import (
	"errors"
	"fmt"
)

// ErrConflictingUpdate 同一批内同键被赋了不同的值或不同的操作。
// 完全相同的重复条目不算冲突，规范化时已合并。
var ErrConflictingUpdate = errors.New("conflicting updates for one key in batch")

// CommitmentError 承诺引擎落账失败。块级致命：调用方必须中止
// 当前区块的处理；失败的批不留任何部分结果。
type CommitmentError struct {
	Op     string // "build" | "update"
	Height uint64
	Err    error
}

func (e *CommitmentError) Error() string {
	return fmt.Sprintf("commitment %s at height %d: %v", e.Op, e.Height, e.Err)
}

func (e *CommitmentError) Unwrap() error { return e.Err }
