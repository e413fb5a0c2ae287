// Package store reads profiles and reads/writes relationship edges in postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"study-match/internal/models"
)

var (
	ErrProfileNotFound      = errors.New("profile not found")
	ErrRelationshipNotFound = errors.New("relationship not found")
	ErrRelationshipExists   = errors.New("relationship already exists")
)

const uniqueViolation = "23505"

const profileColumns = `
	u.id, COALESCE(u.university, ''), COALESCE(u.major, ''), COALESCE(u.year, 0),
	COALESCE(u.bio, ''), u.interests, u.skills, u.study_goals,
	u.preferred_study_times, u.languages, u.total_matches, u.successful_matches,
	u.average_rating, u.gpa, u.is_public, u.last_active_at, u.created_at`

// Store is the postgres-backed profile and relationship store.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// FindUserByID loads one profile.
func (s *Store) FindUserByID(ctx context.Context, userID string) (*models.Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM users u WHERE u.id = $1`, userID)

	profile, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("query profile %s: %w", userID, err)
	}
	return profile, nil
}

// FindCandidates returns public profiles other than requesterID, most
// recently active first. Users joined to the requester by an ACCEPTED,
// BLOCKED or PENDING edge in either direction are left out; REJECTED edges
// are not, so passed users reappear once the caller stops excluding them.
func (s *Store) FindCandidates(ctx context.Context, requesterID string, excludeIDs []string, filters models.CandidateFilters, limit int) ([]models.Profile, error) {
	statuses := make([]string, len(models.ExcludedStatuses))
	for i, st := range models.ExcludedStatuses {
		statuses[i] = string(st)
	}
	if excludeIDs == nil {
		excludeIDs = []string{}
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + profileColumns + ` FROM users u
		WHERE u.id <> $1 AND u.is_public = TRUE
		AND NOT (u.id = ANY($2))
		AND NOT EXISTS (
			SELECT 1 FROM matches m
			WHERE ((m.sender_id = $1 AND m.receiver_id = u.id) OR (m.sender_id = u.id AND m.receiver_id = $1))
			AND m.status = ANY($3)
		)`)
	args := []interface{}{requesterID, pq.Array(excludeIDs), pq.Array(statuses)}

	add := func(clause string, v interface{}) {
		args = append(args, v)
		fmt.Fprintf(&b, " AND "+clause, len(args))
	}
	if filters.University != "" {
		add("u.university = $%d", filters.University)
	}
	if filters.Major != "" {
		add("u.major = $%d", filters.Major)
	}
	if filters.MinYear > 0 {
		add("u.year >= $%d", filters.MinYear)
	}
	if filters.MaxYear > 0 {
		add("u.year <= $%d", filters.MaxYear)
	}
	if filters.ActiveSince != nil {
		add("u.last_active_at >= $%d", *filters.ActiveSince)
	}

	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY u.last_active_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates for %s: %w", requesterID, err)
	}
	defer rows.Close()

	var out []models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return out, nil
}

// FindActiveUserIDs lists public users active since the given time.
func (s *Store) FindActiveUserIDs(ctx context.Context, since time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM users
		WHERE is_public = TRUE AND last_active_at >= $1
		ORDER BY last_active_at DESC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query active users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan active user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindRelationship returns the directed edge sender -> receiver.
func (s *Store) FindRelationship(ctx context.Context, senderID, receiverID string) (*models.Relationship, error) {
	var r models.Relationship
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sender_id, receiver_id, status, created_at, updated_at
		FROM matches WHERE sender_id = $1 AND receiver_id = $2`, senderID, receiverID).Scan(
		&r.ID, &r.SenderID, &r.ReceiverID, &status, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRelationshipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query relationship: %w", err)
	}
	r.Status = models.RelationshipStatus(status)
	return &r, nil
}

// CreateEdge inserts a new directed edge.
func (s *Store) CreateEdge(ctx context.Context, senderID, receiverID string, status models.RelationshipStatus) (*models.Relationship, error) {
	r := models.Relationship{
		ID:         uuid.New().String(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Status:     status,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO matches (id, sender_id, receiver_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING created_at, updated_at`,
		r.ID, senderID, receiverID, string(status),
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, ErrRelationshipExists
		}
		return nil, fmt.Errorf("insert relationship: %w", err)
	}
	return &r, nil
}

// UpdateEdgeStatus moves an existing edge to status.
func (s *Store) UpdateEdgeStatus(ctx context.Context, edgeID string, status models.RelationshipStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE matches SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), edgeID)
	if err != nil {
		return fmt.Errorf("update relationship %s: %w", edgeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update relationship %s: %w", edgeID, err)
	}
	if n == 0 {
		return ErrRelationshipNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row rowScanner) (*models.Profile, error) {
	var (
		p   models.Profile
		gpa sql.NullFloat64
	)
	err := row.Scan(
		&p.ID, &p.University, &p.Major, &p.Year, &p.Bio,
		pq.Array(&p.Interests), pq.Array(&p.Skills), pq.Array(&p.StudyGoals),
		pq.Array(&p.PreferredStudyTimes), pq.Array(&p.Languages),
		&p.TotalMatches, &p.SuccessfulMatches, &p.AverageRating, &gpa,
		&p.IsPublic, &p.LastActiveAt, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if gpa.Valid {
		v := gpa.Float64
		p.GPA = &v
	}
	return &p, nil
}
