package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/task"
)

// Sender is the From field of every message the dispatcher publishes.
const Sender = "dispatcher"

func (d *Dispatcher) emitTaskLocked(t *task.Task) {
	if d.bus == nil {
		return
	}
	body, _ := json.Marshal(t)
	meta := map[string]string{
		"task_id":   t.ID,
		"status":    string(t.Status),
		"task_type": string(t.Type),
		"priority":  strconv.Itoa(t.Priority),
		"retries":   strconv.Itoa(t.Retries),
	}
	if t.AssignedAgent != "" {
		meta["agent_id"] = t.AssignedAgent
	} else if t.CompletedBy != "" {
		meta["agent_id"] = t.CompletedBy
	}
	if t.FailureKind != "" {
		meta["failure_kind"] = string(t.FailureKind)
	}
	d.outbox = append(d.outbox, &comms.Message{
		Type:      comms.TypeTaskUpdate,
		From:      Sender,
		Subject:   fmt.Sprintf("task %s %s", t.ID, t.Status),
		Content:   string(body),
		Metadata:  meta,
		Timestamp: d.now(),
	})
}

func (d *Dispatcher) emitAgentLocked(info agent.Info, action string) {
	if d.bus == nil {
		return
	}
	body, _ := json.Marshal(info)
	d.outbox = append(d.outbox, &comms.Message{
		Type:    comms.TypeAgentUpdate,
		From:    Sender,
		Subject: fmt.Sprintf("agent %s %s", info.ID, action),
		Content: string(body),
		Metadata: map[string]string{
			"agent_id": info.ID,
			"status":   string(info.Status),
			"action":   action,
		},
		Timestamp: d.now(),
	})
}

// publish delivers queued messages outside the dispatcher lock.
func (d *Dispatcher) publish(msgs []*comms.Message) {
	if d.bus == nil {
		return
	}
	for _, m := range msgs {
		if err := d.bus.Publish(context.Background(), m); err != nil {
			d.logger.Warn("publish failed", zap.String("subject", m.Subject), zap.Error(err))
		}
	}
}
