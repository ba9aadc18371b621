// expiry/scheduler.go
// 扫描调度：过期扫描与区块执行管线是两个独立任务，高度通知
// 与扫描回执都走通道，不共享可变计数器——单写者累加器不变量
// 靠这个隔离撑住。
package expiry

import (
	"context"

	"glacier/logs"
)

// Scheduler 周期调度器。管线每提交一个区块 Notify 一次高度，
// 调度器按间隔触发 Sweep，回执从 Reports 通道流回管线在
// 区块间隙消化。
type Scheduler struct {
	mgr      *Manager
	interval uint64

	heights chan uint64
	reports chan *SweepReport
}

// NewScheduler 创建调度器；interval 为扫描间隔（区块数）
func NewScheduler(mgr *Manager, interval uint64) *Scheduler {
	if interval == 0 {
		interval = 1
	}
	return &Scheduler{
		mgr:      mgr,
		interval: interval,
		heights:  make(chan uint64, 16),
		reports:  make(chan *SweepReport, 4),
	}
}

// Run 调度循环。ctx 取消时退出并关闭回执通道。
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.reports)
	var lastSwept uint64
	for {
		select {
		case <-ctx.Done():
			return
		case height := <-s.heights:
			if height < lastSwept+s.interval {
				continue
			}
			report, err := s.mgr.Sweep(height)
			if err != nil {
				logs.Error("expiry sweep at height %d: %v", height, err)
				continue
			}
			lastSwept = height
			if len(report.Demotions) == 0 && len(report.Debits) == 0 {
				continue
			}
			select {
			case s.reports <- report:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Notify 通知一个新提交的高度。通道满时丢弃：高度通知是
// 单调的，后续通知覆盖同样的信息。
func (s *Scheduler) Notify(height uint64) {
	select {
	case s.heights <- height:
	default:
	}
}

// Reports 扫描回执读取端（执行管线消费）
func (s *Scheduler) Reports() <-chan *SweepReport {
	return s.reports
}
