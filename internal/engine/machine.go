package engine

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/langchou/panwatch/internal/models"
)

// 状态机事件常量
const (
	EventStartCharging = "start_charging" // ready -> pending
	EventComplete      = "complete"       // pending -> done
	EventExpire        = "expire"         // ready/pending -> timeout
	EventFail          = "fail"           // ready/pending -> error
	EventCancel        = "cancel"         // ready/pending -> cancelled
)

// newTaskFSM 以任务当前状态为起点构建状态机。
// 迁移集合是闭集：终态没有任何出边，非法迁移在这里被拒绝
func newTaskFSM(current string) *fsm.FSM {
	return fsm.NewFSM(
		current,
		fsm.Events{
			{Name: EventStartCharging, Src: []string{models.TaskStatusReady}, Dst: models.TaskStatusPending},
			{Name: EventComplete, Src: []string{models.TaskStatusPending}, Dst: models.TaskStatusDone},
			{Name: EventExpire, Src: []string{models.TaskStatusReady, models.TaskStatusPending}, Dst: models.TaskStatusTimeout},
			{Name: EventFail, Src: []string{models.TaskStatusReady, models.TaskStatusPending}, Dst: models.TaskStatusError},
			{Name: EventCancel, Src: []string{models.TaskStatusReady, models.TaskStatusPending}, Dst: models.TaskStatusCancelled},
		},
		fsm.Callbacks{},
	)
}

// ApplyEvent 校验并执行一次状态迁移，返回迁移后的状态。
// 事件为空串表示自环刷新（状态不变，仅更新消息等字段）
func ApplyEvent(current, event string) (string, error) {
	if event == "" {
		return current, nil
	}

	m := newTaskFSM(current)
	if err := m.Event(context.Background(), event); err != nil {
		return current, fmt.Errorf("apply event %s from %s: %w", event, current, err)
	}
	return m.Current(), nil
}

// CanApply 检查某状态下事件是否合法
func CanApply(current, event string) bool {
	if event == "" {
		return true
	}
	return newTaskFSM(current).Can(event)
}
