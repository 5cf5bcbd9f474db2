package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vantagehq/viva/internal/interview"
	"github.com/vantagehq/viva/internal/store"
	"github.com/vantagehq/viva/pkg/capture"
	"github.com/vantagehq/viva/pkg/live"
)

// SaveSession implements [store.SessionStore]. The session row, its turns,
// and its screen captures are written in a single transaction; saving an
// existing session ID replaces the previous record entirely.
func (s *Store) SaveSession(ctx context.Context, sess *interview.ConversationSession) error {
	if sess == nil || sess.SessionID == "" {
		return fmt.Errorf("postgres store: save session: missing session ID")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: save session: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const qSession = `
		INSERT INTO sessions
		    (id, start_time, end_time, duration_ns, model,
		     total_turns, user_turns, assistant_turns,
		     user_speaking_ns, ai_speaking_ns, avg_response_ns, interruption_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
		    start_time         = EXCLUDED.start_time,
		    end_time           = EXCLUDED.end_time,
		    duration_ns        = EXCLUDED.duration_ns,
		    model              = EXCLUDED.model,
		    total_turns        = EXCLUDED.total_turns,
		    user_turns         = EXCLUDED.user_turns,
		    assistant_turns    = EXCLUDED.assistant_turns,
		    user_speaking_ns   = EXCLUDED.user_speaking_ns,
		    ai_speaking_ns     = EXCLUDED.ai_speaking_ns,
		    avg_response_ns    = EXCLUDED.avg_response_ns,
		    interruption_count = EXCLUDED.interruption_count`

	a := sess.Analytics
	if _, err := tx.Exec(ctx, qSession,
		sess.SessionID,
		sess.StartTime,
		sess.EndTime,
		sess.Duration.Nanoseconds(),
		sess.Model,
		a.TotalTurns,
		a.UserTurns,
		a.AssistantTurns,
		a.UserSpeakingTime.Nanoseconds(),
		a.AISpeakingTime.Nanoseconds(),
		a.AverageResponseTime.Nanoseconds(),
		a.InterruptionCount,
	); err != nil {
		return fmt.Errorf("postgres store: save session: %w", err)
	}

	// Replace dependent rows wholesale; simpler than diffing.
	if _, err := tx.Exec(ctx, `DELETE FROM turns WHERE session_id = $1`, sess.SessionID); err != nil {
		return fmt.Errorf("postgres store: save session: clear turns: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM screen_captures WHERE session_id = $1`, sess.SessionID); err != nil {
		return fmt.Errorf("postgres store: save session: clear captures: %w", err)
	}

	const qTurn = `
		INSERT INTO turns
		    (id, session_id, seq, timestamp, role, text, transcript, audio, turn_complete, interrupted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	for i, turn := range sess.Turns {
		if _, err := tx.Exec(ctx, qTurn,
			turn.ID,
			sess.SessionID,
			i,
			turn.Timestamp,
			string(turn.Role),
			turn.Content.Text,
			turn.Content.Transcript,
			turn.Content.Audio,
			turn.Metadata.TurnComplete,
			turn.Metadata.Interrupted,
		); err != nil {
			return fmt.Errorf("postgres store: save turn %q: %w", turn.ID, err)
		}
	}

	const qCapture = `
		INSERT INTO screen_captures
		    (id, session_id, timestamp, mime_type, width, height, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	for _, cap := range sess.ScreenCaptures {
		if _, err := tx.Exec(ctx, qCapture,
			cap.ID,
			sess.SessionID,
			cap.Timestamp,
			cap.MimeType,
			cap.Width,
			cap.Height,
			cap.Data,
		); err != nil {
			return fmt.Errorf("postgres store: save capture %q: %w", cap.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: save session: commit: %w", err)
	}
	return nil
}

// Session implements [store.SessionStore].
func (s *Store) Session(ctx context.Context, id string) (*interview.ConversationSession, error) {
	const qSession = `
		SELECT start_time, end_time, duration_ns, model,
		       total_turns, user_turns, assistant_turns,
		       user_speaking_ns, ai_speaking_ns, avg_response_ns, interruption_count
		FROM   sessions
		WHERE  id = $1`

	sess := &interview.ConversationSession{SessionID: id}
	var durationNS, userSpeakNS, aiSpeakNS, avgRespNS int64
	err := s.pool.QueryRow(ctx, qSession, id).Scan(
		&sess.StartTime,
		&sess.EndTime,
		&durationNS,
		&sess.Model,
		&sess.Analytics.TotalTurns,
		&sess.Analytics.UserTurns,
		&sess.Analytics.AssistantTurns,
		&userSpeakNS,
		&aiSpeakNS,
		&avgRespNS,
		&sess.Analytics.InterruptionCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get session: %w", err)
	}
	sess.Duration = time.Duration(durationNS)
	sess.Analytics.UserSpeakingTime = time.Duration(userSpeakNS)
	sess.Analytics.AISpeakingTime = time.Duration(aiSpeakNS)
	sess.Analytics.AverageResponseTime = time.Duration(avgRespNS)

	const qTurns = `
		SELECT id, timestamp, role, text, transcript, audio, turn_complete, interrupted
		FROM   turns
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, qTurns, id)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get turns: %w", err)
	}
	sess.Turns, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (interview.ConversationTurn, error) {
		var (
			t    interview.ConversationTurn
			role string
		)
		if err := row.Scan(
			&t.ID,
			&t.Timestamp,
			&role,
			&t.Content.Text,
			&t.Content.Transcript,
			&t.Content.Audio,
			&t.Metadata.TurnComplete,
			&t.Metadata.Interrupted,
		); err != nil {
			return interview.ConversationTurn{}, err
		}
		t.Role = live.Role(role)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan turns: %w", err)
	}

	const qCaptures = `
		SELECT id, timestamp, mime_type, width, height, data
		FROM   screen_captures
		WHERE  session_id = $1
		ORDER  BY timestamp`

	rows, err = s.pool.Query(ctx, qCaptures, id)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get captures: %w", err)
	}
	sess.ScreenCaptures, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (capture.Capture, error) {
		var c capture.Capture
		err := row.Scan(&c.ID, &c.Timestamp, &c.MimeType, &c.Width, &c.Height, &c.Data)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan captures: %w", err)
	}

	return sess, nil
}

// ListSessions implements [store.SessionStore].
func (s *Store) ListSessions(ctx context.Context, limit int) ([]store.SessionSummary, error) {
	q := `
		SELECT id, start_time, duration_ns, model, total_turns
		FROM   sessions
		ORDER  BY start_time DESC`
	args := []any{}
	if limit > 0 {
		q += "\nLIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list sessions: %w", err)
	}
	summaries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.SessionSummary, error) {
		var (
			sum        store.SessionSummary
			durationNS int64
		)
		if err := row.Scan(&sum.SessionID, &sum.StartTime, &durationNS, &sum.Model, &sum.TurnCount); err != nil {
			return store.SessionSummary{}, err
		}
		sum.Duration = time.Duration(durationNS)
		return sum, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan sessions: %w", err)
	}
	if summaries == nil {
		summaries = []store.SessionSummary{}
	}
	return summaries, nil
}
