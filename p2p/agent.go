package p2p

import "context"

// SkillInfo describes a skill exposed by an agent, including the tools it
// can invoke.
type SkillInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tools       []string `json:"tools"`
}

// Agent is the local agent collaborator the P2P subsystem delegates to when
// peers ask this instance to do work. Implementations run the actual tasks;
// the P2P layer only handles identity, trust, and transport.
type Agent interface {
	// ExecuteTask runs a natural-language task, optionally on a named agent,
	// and returns the textual result plus the agent that handled it.
	ExecuteTask(ctx context.Context, task, agent string, taskContext map[string]any) (result, agentUsed string, err error)

	// ListSkills enumerates the skills this instance can serve to peers.
	ListSkills(ctx context.Context) ([]SkillInfo, error)

	// InvokeTool invokes one tool of one skill with the given arguments.
	InvokeTool(ctx context.Context, skill, tool string, arguments map[string]any) (any, error)
}
