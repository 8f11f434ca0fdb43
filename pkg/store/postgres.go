package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voxrelay/voxrelay/pkg/reporter"
	"github.com/voxrelay/voxrelay/pkg/resolver"
)

type Config struct {
	DSN            string        `mapstructure:"dsn"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RunMigrations  bool          `mapstructure:"run_migrations"`
}

// Postgres implements the agent directory, credential vault, and call
// store on a single pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, cfg Config) (*Postgres, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &Postgres{pool: pool}
	if cfg.RunMigrations {
		if err := s.Migrate(); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

// AgentByID implements resolver.AgentDirectory.
func (s *Postgres) AgentByID(ctx context.Context, agentID string) (resolver.Agent, error) {
	const q = `SELECT id, workspace_id, COALESCE(upstream_agent_id, '')
		FROM agents WHERE id = $1`
	var a resolver.Agent
	err := s.pool.QueryRow(ctx, q, agentID).Scan(&a.ID, &a.WorkspaceID, &a.UpstreamAgentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return resolver.Agent{}, resolver.ErrNotFound
	}
	if err != nil {
		return resolver.Agent{}, err
	}
	return a, nil
}

// CredentialByWorkspace implements resolver.CredentialVault.
func (s *Postgres) CredentialByWorkspace(ctx context.Context, workspaceID string) (string, error) {
	const q = `SELECT credential FROM workspace_credentials WHERE workspace_id = $1`
	var credential string
	err := s.pool.QueryRow(ctx, q, workspaceID).Scan(&credential)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", resolver.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return credential, nil
}

// FinalizeCall implements reporter.CallStore. The upsert is guarded so a
// row that already reached a terminal state is never updated again:
// duplicate provider callbacks must not double-count duration.
func (s *Postgres) FinalizeCall(ctx context.Context, final reporter.CallFinal) (bool, error) {
	const q = `INSERT INTO calls
		(call_sid, stream_sid, outbound_ref, agent_id, reason, err_reason,
		 started_at, ended_at, duration_ms, frames_up, frames_down, terminal, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, TRUE, now())
		ON CONFLICT (call_sid) DO UPDATE SET
			stream_sid = EXCLUDED.stream_sid,
			outbound_ref = EXCLUDED.outbound_ref,
			agent_id = EXCLUDED.agent_id,
			reason = EXCLUDED.reason,
			err_reason = EXCLUDED.err_reason,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			duration_ms = EXCLUDED.duration_ms,
			frames_up = EXCLUDED.frames_up,
			frames_down = EXCLUDED.frames_down,
			terminal = TRUE,
			updated_at = now()
		WHERE calls.terminal = FALSE`
	tag, err := s.pool.Exec(ctx, q,
		final.CallSID, final.StreamSID, final.OutboundRef, final.AgentID,
		final.Reason, final.ErrReason, final.StartedAt, final.EndedAt,
		final.DurationMS, final.FramesUp, final.FramesDown,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AttachRecording implements reporter.CallStore. Recording URLs arrive
// asynchronously from the provider and patch the row in place.
func (s *Postgres) AttachRecording(ctx context.Context, callSID, recordingURL string) error {
	const q = `UPDATE calls SET recording_url = $2, updated_at = now() WHERE call_sid = $1`
	_, err := s.pool.Exec(ctx, q, callSID, recordingURL)
	return err
}

// OutboundCall is a scheduled outbound-call record; its ref correlates the
// eventual media stream back to the schedule.
type OutboundCall struct {
	Ref        string
	AgentID    string
	ToNumber   string
	FromNumber string
	CallSID    string
}

func (s *Postgres) CreateOutboundCall(ctx context.Context, oc OutboundCall) error {
	const q = `INSERT INTO outbound_calls (ref, agent_id, to_number, from_number)
		VALUES ($1, $2, $3, $4)`
	_, err := s.pool.Exec(ctx, q, oc.Ref, oc.AgentID, oc.ToNumber, oc.FromNumber)
	return err
}

func (s *Postgres) MarkOutboundDialed(ctx context.Context, ref, callSID string) error {
	const q = `UPDATE outbound_calls SET call_sid = $2, dialed_at = now() WHERE ref = $1`
	_, err := s.pool.Exec(ctx, q, ref, callSID)
	return err
}

var _ resolver.AgentDirectory = (*Postgres)(nil)
var _ resolver.CredentialVault = (*Postgres)(nil)
var _ reporter.CallStore = (*Postgres)(nil)
