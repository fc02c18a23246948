package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// versionRetries bounds how often AppendVersion re-reads the max version
// after losing the uniqueness race.
const versionRetries = 3

// PostgresStore implements Store on a Postgres database through GORM.
// Snapshot writes and version allocation serialize on the document row.
type PostgresStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ Store = (*PostgresStore)(nil)

// PoolConfig tunes the sql.DB pool behind GORM. Zero fields take the
// defaults.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig returns the pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

func (p PoolConfig) normalize() PoolConfig {
	def := DefaultPoolConfig()
	if p.MaxOpenConns <= 0 {
		p.MaxOpenConns = def.MaxOpenConns
	}
	if p.MaxIdleConns <= 0 {
		p.MaxIdleConns = def.MaxIdleConns
	}
	if p.ConnMaxLifetime <= 0 {
		p.ConnMaxLifetime = def.ConnMaxLifetime
	}
	return p
}

// NewPostgresStore connects, tunes the pool, and migrates the schema.
func NewPostgresStore(dsn string, pool PoolConfig, logger *zap.Logger) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	pool = pool.normalize()
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "postgres pool")
	}
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := db.AutoMigrate(&Document{}, &Version{}, &Comment{}, &User{}); err != nil {
		return nil, errors.Wrap(err, "migrate schema")
	}

	logger.Info("postgres store ready")
	return &PostgresStore{db: db, logger: logger}, nil
}

// Create inserts a new document row.
func (s *PostgresStore) Create(ctx context.Context, doc *Document) error {
	if err := prepareCreate(doc, time.Now().UTC()); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Create(doc).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAlreadyExists
	}
	return err
}

// Get returns the full row or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// List returns summaries ordered by updated_at descending.
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Summary, error) {
	limit, offset = normalizePage(limit, offset)

	var out []*Summary
	err := s.db.WithContext(ctx).
		Model(&Document{}).
		Select("id, title, render_mode, views, active_editors, published_at, updated_at").
		Order("updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertSnapshot writes snapshot and projections in one statement. The
// conflict clause makes create-or-update atomic under concurrent writers.
func (s *PostgresStore) UpsertSnapshot(ctx context.Context, id string, up SnapshotUpsert) error {
	if id == "" {
		return ErrMissingID
	}
	if err := up.validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	doc := Document{
		ID:           id,
		Title:        DefaultTitle,
		Content:      up.Text,
		RenderMode:   RenderMarkdown,
		CRDTSnapshot: up.Snapshot,
		PublishedAt:  now,
		UpdatedAt:    now,
	}
	assignments := map[string]interface{}{
		"content":       up.Text,
		"crdt_snapshot": up.Snapshot,
		"updated_at":    now,
	}
	if up.Title != nil {
		doc.Title = *up.Title
		assignments["title"] = *up.Title
	}
	if up.HTML != nil {
		doc.HTMLContent = *up.HTML
		assignments["html_content"] = *up.HTML
	}
	if up.RenderMode != nil {
		doc.RenderMode = *up.RenderMode
		assignments["render_mode"] = *up.RenderMode
	}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(assignments),
		}).
		Create(&doc).Error
}

// Patch applies a partial update under a row lock and returns the row.
func (s *PostgresStore) Patch(ctx context.Context, id string, patch DocumentPatch) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&doc, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := patch.validateAgainst(&doc); err != nil {
			return err
		}
		if patch.IsEmpty() {
			return nil
		}

		updates := map[string]interface{}{"updated_at": time.Now().UTC()}
		if patch.Title != nil {
			updates["title"] = *patch.Title
		}
		if patch.Text != nil {
			updates["content"] = *patch.Text
		}
		if patch.HTML != nil {
			updates["html_content"] = *patch.HTML
		}
		if patch.RenderMode != nil {
			updates["render_mode"] = *patch.RenderMode
		}
		if err := tx.Model(&doc).UpdateColumns(updates).Error; err != nil {
			return err
		}
		return tx.First(&doc, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Delete removes the row; versions cascade through the foreign key.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&Document{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendVersion allocates max+1 under the parent row lock. The uniqueness
// index backstops writers that do not hold the lock; losing that race means
// re-reading the max.
func (s *PostgresStore) AppendVersion(ctx context.Context, id string, snapshot []byte, meta VersionMeta) (*Version, error) {
	for attempt := 0; attempt < versionRetries; attempt++ {
		var out Version
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var doc Document
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Select("id").
				First(&doc, "id = ?", id).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			var max int
			if err := tx.Model(&Version{}).
				Where("document_id = ?", id).
				Select("COALESCE(MAX(version), 0)").
				Scan(&max).Error; err != nil {
				return err
			}

			out = Version{
				DocumentID: id,
				Version:    max + 1,
				Snapshot:   snapshot,
				CreatedAt:  time.Now().UTC(),
				CreatedBy:  meta.Author,
				Message:    meta.Message,
			}
			return tx.Create(&out).Error
		})
		if err == nil {
			return &out, nil
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			s.logger.Warn("version allocation raced, retrying",
				zap.String("documentId", id),
				zap.Int("attempt", attempt+1))
			continue
		}
		return nil, err
	}
	return nil, ErrVersionConflict
}

// ListVersions returns version metadata newest first, without snapshots.
func (s *PostgresStore) ListVersions(ctx context.Context, id string, limit, offset int) ([]*Version, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	limit, offset = normalizePage(limit, offset)

	var out []*Version
	err := s.db.WithContext(ctx).
		Model(&Version{}).
		Select("id, document_id, version, created_at, created_by, message").
		Where("document_id = ?", id).
		Order("version DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetVersion returns one version with its snapshot bytes.
func (s *PostgresStore) GetVersion(ctx context.Context, id string, version int) (*Version, error) {
	var out Version
	err := s.db.WithContext(ctx).
		First(&out, "document_id = ? AND version = ?", id, version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// IncrementViews bumps the counter without touching updated_at.
func (s *PostgresStore) IncrementViews(ctx context.Context, id string) (int64, error) {
	doc := Document{ID: id}
	res := s.db.WithContext(ctx).
		Model(&doc).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "views"}}}).
		Where("id = ?", id).
		UpdateColumn("views", gorm.Expr("views + 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrNotFound
	}
	return doc.Views, nil
}

// SetActiveEditors records the live editor count.
func (s *PostgresStore) SetActiveEditors(ctx context.Context, id string, n int) error {
	res := s.db.WithContext(ctx).
		Model(&Document{}).
		Where("id = ?", id).
		UpdateColumn("active_editors", n)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping verifies the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
