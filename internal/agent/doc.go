// Package agent 实现任务状态机：规划、并行执行、评估，并在有界的迭代内收敛到最终回答。
//
// 每个任务由一个协调协程驱动，所有进度以有序事件写入 stream.Log，
// 以 done 或 error 中的一个事件结束。
package agent
