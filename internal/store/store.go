// Package store archives terminal healing sessions so their attempt history
// survives process restarts.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"forgemend/internal/healing"
)

// ErrNotFound is returned when no archived session matches.
var ErrNotFound = errors.New("session not found in archive")

// SessionRecord is the persisted form of a finished session. Attempts and
// issues are stored as JSON blobs; the archive is queried by id, not by
// attempt internals.
type SessionRecord struct {
	ID          string `gorm:"primaryKey"`
	ArtifactID  string `gorm:"index"`
	CallerID    string
	State       string
	MaxAttempts int
	LastScore   float64
	Attempts    string // JSON
	Issues      string // JSON
	CreatedAt   time.Time
	FinishedAt  *time.Time
	ArchivedAt  time.Time `gorm:"autoCreateTime"`
}

// SessionArchive is a sqlite-backed healing.Archiver.
type SessionArchive struct {
	db *gorm.DB
}

// OpenArchive opens (or creates) the archive database at path.
func OpenArchive(path string) (*SessionArchive, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, err
	}
	return &SessionArchive{db: db}, nil
}

// Archive upserts the terminal session snapshot.
func (a *SessionArchive) Archive(ctx context.Context, st healing.Status) error {
	attempts, err := json.Marshal(st.Attempts)
	if err != nil {
		return err
	}
	issues, err := json.Marshal(st.Issues)
	if err != nil {
		return err
	}
	rec := SessionRecord{
		ID:          st.ID,
		ArtifactID:  st.ArtifactID,
		CallerID:    st.CallerID,
		State:       string(st.State),
		MaxAttempts: st.MaxAttempts,
		LastScore:   st.LastScore,
		Attempts:    string(attempts),
		Issues:      string(issues),
		CreatedAt:   st.CreatedAt,
		FinishedAt:  st.FinishedAt,
	}
	return a.db.WithContext(ctx).Save(&rec).Error
}

// Get loads one archived session back into its status form.
func (a *SessionArchive) Get(ctx context.Context, sessionID string) (*healing.Status, error) {
	var rec SessionRecord
	err := a.db.WithContext(ctx).First(&rec, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toStatus()
}

// ListByArtifact returns archived sessions for an artifact, newest first.
func (a *SessionArchive) ListByArtifact(ctx context.Context, artifactID string) ([]healing.Status, error) {
	var recs []SessionRecord
	err := a.db.WithContext(ctx).
		Where("artifact_id = ?", artifactID).
		Order("created_at desc").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]healing.Status, 0, len(recs))
	for _, rec := range recs {
		st, err := rec.toStatus()
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, nil
}

func (rec *SessionRecord) toStatus() (*healing.Status, error) {
	st := &healing.Status{
		ID:          rec.ID,
		ArtifactID:  rec.ArtifactID,
		CallerID:    rec.CallerID,
		State:       healing.State(rec.State),
		MaxAttempts: rec.MaxAttempts,
		LastScore:   rec.LastScore,
		CreatedAt:   rec.CreatedAt,
		FinishedAt:  rec.FinishedAt,
	}
	if rec.Attempts != "" {
		if err := json.Unmarshal([]byte(rec.Attempts), &st.Attempts); err != nil {
			return nil, err
		}
	}
	if rec.Issues != "" {
		if err := json.Unmarshal([]byte(rec.Issues), &st.Issues); err != nil {
			return nil, err
		}
	}
	return st, nil
}
