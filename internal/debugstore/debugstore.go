// Package debugstore captures raw inbound frames for post-hoc
// inspection via the debug HTTP endpoint, and indexes their payloads
// for full-text search.
//
// This replaces original_source/server/debug_tools.py's per-device
// flat-JSON-file capture with a proper store: gorm.io/gorm (sqlite by
// default, postgres via DEBUG_DB_DSN) for durable capture, and
// github.com/blevesearch/bleve for full-text search over payloads —
// both are teacher go.mod direct dependencies, declared but never
// imported by any surviving teacher file (see DESIGN.md); this package
// is their first real usage. This is ancillary capture for debugging,
// not core relay state (spec.md §1 Non-goals excludes persistence of
// core state, not of this).
package debugstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/n0remac/boat-relay/internal/logging"
)

// Record is one captured frame.
type Record struct {
	ID        string `gorm:"primaryKey"`
	PeerID    string `gorm:"index"`
	Role      string
	Payload   string
	CreatedAt time.Time `gorm:"index"`
}

// Store owns the debug-capture table and its search index (spec.md §3
// Ownership — exclusive to this package, and outside the core relay's
// Registry/Telemetry/Command/Signaling tables).
type Store struct {
	db    *gorm.DB
	index bleve.Index
	log   *logging.Logger
}

// Open opens the capture store at dsn. An empty dsn defaults to a local
// sqlite file. A dsn beginning with "postgres://" or "postgresql://" is
// opened with the postgres driver instead.
func Open(dsn string, log *logging.Logger) (*Store, error) {
	db, err := gorm.Open(dialectorFor(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("debugstore: open: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("debugstore: migrate: %w", err)
	}

	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("debugstore: build index: %w", err)
	}

	return &Store{db: db, index: index, log: log}, nil
}

func dialectorFor(dsn string) gorm.Dialector {
	if dsn == "" {
		dsn = "boat-relay-debug.db"
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgres.Open(dsn)
	}
	return sqlite.Open(dsn)
}

// Capture persists one raw inbound frame from peerID (role "device" or
// "client") and indexes its payload for search. Errors are logged, not
// returned: capture failures must never affect message delivery.
func (s *Store) Capture(peerID, role string, raw []byte) {
	rec := Record{
		ID:        uuid.NewString(),
		PeerID:    peerID,
		Role:      role,
		Payload:   string(raw),
		CreatedAt: time.Now(),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		s.log.Errorf("debugstore: capture from %s %s: %v", role, peerID, err)
		return
	}
	doc := map[string]interface{}{"peer_id": peerID, "role": role, "payload": rec.Payload}
	if err := s.index.Index(rec.ID, doc); err != nil {
		s.log.Errorf("debugstore: index frame from %s %s: %v", role, peerID, err)
	}
}

// Recent returns up to limit captured frames for peerID, most recent
// first. limit <= 0 defaults to 100.
func (s *Store) Recent(ctx context.Context, peerID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []Record
	err := s.db.WithContext(ctx).
		Where("peer_id = ?", peerID).
		Order("created_at desc").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("debugstore: query recent for %s: %w", peerID, err)
	}
	return records, nil
}

// Search full-text searches peerID's captured payloads for query and
// hydrates the matching records from the store, most relevant first.
func (s *Store) Search(ctx context.Context, peerID, query string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	peerMatch := bleve.NewTermQuery(peerID)
	peerMatch.SetField("peer_id")
	compound := bleve.NewConjunctionQuery(peerMatch, bleve.NewQueryStringQuery(query))
	req := bleve.NewSearchRequest(compound)
	req.Size = limit
	result, err := s.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("debugstore: search: %w", err)
	}
	if len(result.Hits) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		ids = append(ids, hit.ID)
	}
	var records []Record
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("debugstore: hydrate search hits: %w", err)
	}
	byID := make(map[string]Record, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}
	ordered := make([]Record, 0, len(records))
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			ordered = append(ordered, rec)
		}
	}
	return ordered, nil
}

// Close releases the underlying database handle and search index.
func (s *Store) Close() error {
	if err := s.index.Close(); err != nil {
		return err
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
