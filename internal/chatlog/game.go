package chatlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Default starting pitchers used when a day's record is lazily created.
const (
	DefaultKtPitcher       = "쿠에바스"
	DefaultOpponentPitcher = "이재학"
)

// Team holds one side's pitcher and inning-by-inning score entries.
type Team struct {
	Pitcher string `json:"pitcher"`
	Score   []int  `json:"score"`
}

// GameRecord is the daily game state: one record per calendar day, keyed by
// a YYYYMMDD identifier derived from the service's local clock.
type GameRecord struct {
	GameID   string `json:"gameId"`
	Kt       Team   `json:"kt"`
	Opponent Team   `json:"opponent"`
}

// DateID returns the game record identifier for the given time, YYYYMMDD.
func DateID(t time.Time) string {
	return t.Format("20060102")
}

// GetOrCreateGameRecord returns the record for the given game ID, lazily
// creating it with default pitcher names and empty score lists. The
// conditional insert makes concurrent first lookups from multiple instances
// converge on a single record.
func (s *Store) GetOrCreateGameRecord(ctx context.Context, gameID string) (*GameRecord, error) {
	const insertQuery = `
		INSERT INTO game_records (game_id, kt_pitcher, opp_pitcher)
		VALUES ($1, $2, $3)
		ON CONFLICT (game_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, insertQuery, gameID, DefaultKtPitcher, DefaultOpponentPitcher); err != nil {
		return nil, fmt.Errorf("chatlog: create game record: %w", err)
	}

	return s.getGameRecord(ctx, gameID)
}

// getGameRecord reads a record by game ID.
func (s *Store) getGameRecord(ctx context.Context, gameID string) (*GameRecord, error) {
	const query = `
		SELECT kt_pitcher, opp_pitcher, kt_scores, opp_scores
		FROM game_records
		WHERE game_id = $1`

	var ktPitcher, oppPitcher string
	var ktScores, oppScores []byte
	err := s.db.QueryRowContext(ctx, query, gameID).Scan(&ktPitcher, &oppPitcher, &ktScores, &oppScores)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatlog: get game record: %w", err)
	}

	rec := &GameRecord{
		GameID:   gameID,
		Kt:       Team{Pitcher: ktPitcher, Score: []int{}},
		Opponent: Team{Pitcher: oppPitcher, Score: []int{}},
	}
	if err := json.Unmarshal(ktScores, &rec.Kt.Score); err != nil {
		return nil, fmt.Errorf("chatlog: unmarshal kt scores: %w", err)
	}
	if err := json.Unmarshal(oppScores, &rec.Opponent.Score); err != nil {
		return nil, fmt.Errorf("chatlog: unmarshal opponent scores: %w", err)
	}
	return rec, nil
}

// AppendScore atomically appends a score entry to one side's sequence. The
// append happens in the store, not as read-then-write, so concurrent score
// changes for the same side never lose updates. The record must exist.
func (s *Store) AppendScore(ctx context.Context, gameID string, ktwiz bool, score int) error {
	query := `
		UPDATE game_records
		SET opp_scores = opp_scores || to_jsonb($2::int)
		WHERE game_id = $1`
	if ktwiz {
		query = `
		UPDATE game_records
		SET kt_scores = kt_scores || to_jsonb($2::int)
		WHERE game_id = $1`
	}

	res, err := s.db.ExecContext(ctx, query, gameID, score)
	if err != nil {
		return fmt.Errorf("chatlog: append score: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chatlog: append score rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPitcher updates one side's pitcher name on an existing record.
func (s *Store) SetPitcher(ctx context.Context, gameID string, ktwiz bool, pitcher string) error {
	query := `UPDATE game_records SET opp_pitcher = $2 WHERE game_id = $1`
	if ktwiz {
		query = `UPDATE game_records SET kt_pitcher = $2 WHERE game_id = $1`
	}

	res, err := s.db.ExecContext(ctx, query, gameID, pitcher)
	if err != nil {
		return fmt.Errorf("chatlog: set pitcher: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chatlog: set pitcher rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteGameRecord deletes every record matching the game ID. ErrNotFound
// is returned when nothing matched.
func (s *Store) DeleteGameRecord(ctx context.Context, gameID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM game_records WHERE game_id = $1`, gameID)
	if err != nil {
		return fmt.Errorf("chatlog: delete game record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chatlog: delete game record rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
