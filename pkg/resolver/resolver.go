package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/voxrelay/voxrelay/pkg/errorsx"
)

// ErrNotFound is returned by directories and vaults when no row matches.
var ErrNotFound = errors.New("not found")

// Agent is the directory view of an agent configuration.
type Agent struct {
	ID              string
	WorkspaceID     string
	UpstreamAgentID string
}

// AgentDirectory looks up agent configurations.
type AgentDirectory interface {
	AgentByID(ctx context.Context, agentID string) (Agent, error)
}

// CredentialVault looks up the workspace-scoped backend credential.
type CredentialVault interface {
	CredentialByWorkspace(ctx context.Context, workspaceID string) (string, error)
}

// Resolution carries everything needed to reach the voice-AI backend for
// one call.
type Resolution struct {
	AgentID         string
	WorkspaceID     string
	UpstreamAgentID string
	Credential      string
}

// Resolver resolves an agent id to its upstream identity and credential.
// Resolution failures are fatal for the session and never retried; the
// telephony leg surfaces them as an audible failure before hangup.
type Resolver struct {
	agents AgentDirectory
	vault  CredentialVault
	cache  *Cache
}

func New(agents AgentDirectory, vault CredentialVault, cache *Cache) *Resolver {
	return &Resolver{agents: agents, vault: vault, cache: cache}
}

func (r *Resolver) Resolve(ctx context.Context, agentID string) (Resolution, error) {
	if strings.TrimSpace(agentID) == "" {
		return Resolution{}, errorsx.Wrap(fmt.Errorf("agent id required"), errorsx.ReasonAgentNotFound)
	}
	if r.cache != nil {
		if res, ok := r.cache.Get(agentID); ok {
			return res, nil
		}
	}
	agent, err := r.agents.AgentByID(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Resolution{}, errorsx.Wrap(fmt.Errorf("agent %s: %w", agentID, err), errorsx.ReasonAgentNotFound)
		}
		return Resolution{}, errorsx.Wrap(err, errorsx.ReasonStoreWrite)
	}
	if strings.TrimSpace(agent.UpstreamAgentID) == "" {
		err := fmt.Errorf("agent %s has no upstream agent id", agentID)
		return Resolution{}, errorsx.Wrap(err, errorsx.ReasonAgentNotConfigured)
	}
	credential, err := r.vault.CredentialByWorkspace(ctx, agent.WorkspaceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			err := fmt.Errorf("workspace %s has no credential: %w", agent.WorkspaceID, err)
			return Resolution{}, errorsx.Wrap(err, errorsx.ReasonCredentialMissing)
		}
		return Resolution{}, errorsx.Wrap(err, errorsx.ReasonStoreWrite)
	}
	if strings.TrimSpace(credential) == "" {
		err := fmt.Errorf("workspace %s has no credential", agent.WorkspaceID)
		return Resolution{}, errorsx.Wrap(err, errorsx.ReasonCredentialMissing)
	}
	res := Resolution{
		AgentID:         agent.ID,
		WorkspaceID:     agent.WorkspaceID,
		UpstreamAgentID: agent.UpstreamAgentID,
		Credential:      credential,
	}
	if r.cache != nil {
		r.cache.Put(agentID, res)
	}
	return res, nil
}
