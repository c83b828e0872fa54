package dispatch

import (
	"go.uber.org/zap"

	"github.com/GoCodeAlone/conductor/agent"
)

// RegisterAgent adds an agent to the pool and triggers a dispatch pass.
func (d *Dispatcher) RegisterAgent(spec agent.Spec) (agent.Info, error) {
	d.lock()
	defer d.unlock()
	info, err := d.pool.Register(spec)
	if err != nil {
		return agent.Info{}, err
	}
	d.logger.Info("agent registered",
		zap.String("agent_id", info.ID),
		zap.Any("capabilities", info.Capabilities),
		zap.Int("max_concurrent_tasks", info.MaxConcurrentTasks),
		zap.Bool("remote", info.Remote),
	)
	d.metrics.AgentLoad(info.ID, 0)
	d.emitAgentLocked(info, "registered")
	d.pumpLocked()
	return info, nil
}

// UpdateAgentStatus pauses, resumes or flags an agent and triggers a pass.
func (d *Dispatcher) UpdateAgentStatus(id string, status agent.Status) (agent.Info, error) {
	d.lock()
	defer d.unlock()
	info, err := d.pool.SetStatus(id, status)
	if err != nil {
		return agent.Info{}, err
	}
	d.logger.Info("agent status changed", zap.String("agent_id", id), zap.String("status", string(info.Status)))
	d.emitAgentLocked(info, "status")
	d.pumpLocked()
	return info, nil
}

// UnregisterAgent removes an agent that holds no tasks.
func (d *Dispatcher) UnregisterAgent(id string) error {
	d.lock()
	defer d.unlock()
	info, err := d.pool.Get(id)
	if err != nil {
		return err
	}
	if err := d.pool.Unregister(id); err != nil {
		return err
	}
	d.logger.Info("agent unregistered", zap.String("agent_id", id))
	d.metrics.AgentRemoved(id)
	d.emitAgentLocked(info, "unregistered")
	return nil
}

// Agents returns every registered agent in selection order.
func (d *Dispatcher) Agents() []agent.Info {
	return d.pool.List()
}

// Agent returns one agent.
func (d *Dispatcher) Agent(id string) (agent.Info, error) {
	return d.pool.Get(id)
}
