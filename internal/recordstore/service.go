package recordstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/records"
	"github.com/MarcoPoloResearchLab/qasync/internal/remote"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew = "recordstore.service.new"
	opCreate     = "recordstore.create"
	opBulkCreate = "recordstore.bulk_create"
	opList       = "recordstore.list"
	opUpdate     = "recordstore.update"
	opRemove     = "recordstore.remove"

	queryOwner    = "user_id = ? AND category = ?"
	queryOrigin   = "user_id = ? AND category = ? AND local_id = ?"
	queryRecordID = "user_id = ? AND category = ? AND remote_id = ?"
)

// ServiceConfig describes Service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider records.IDProvider
	Logger     *zap.Logger
}

// Service is the authoritative record store behind the HTTP API.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider records.IDProvider
	logger     *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, records.NewServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, records.NewServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create stores one record. A local id already stored for the owner yields the existing remote
// id with status skipped.
func (s *Service) Create(ctx context.Context, userID UserID, category records.Category, localID records.LocalID, payload records.Payload) (remote.BulkResult, error) {
	if err := payload.Validate(); err != nil {
		return remote.BulkResult{}, records.NewServiceError(opCreate, "invalid_payload", err)
	}
	var result remote.BulkResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var insertErr error
		result, insertErr = s.insert(tx, opCreate, userID, category, localID, payload)
		return insertErr
	})
	if err != nil {
		return remote.BulkResult{}, err
	}
	return result, nil
}

// BulkCreate stores a batch atomically, reporting each item as created or skipped.
func (s *Service) BulkCreate(ctx context.Context, userID UserID, category records.Category, items []remote.BulkItem) ([]remote.BulkResult, error) {
	for _, item := range items {
		if err := item.Payload.Validate(); err != nil {
			return nil, records.NewServiceError(opBulkCreate, "invalid_payload",
				fmt.Errorf("local id %s: %w", item.LocalID, err))
		}
	}
	results := make([]remote.BulkResult, 0, len(items))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, item := range items {
			result, insertErr := s.insert(tx, opBulkCreate, userID, category, item.LocalID, item.Payload)
			if insertErr != nil {
				return insertErr
			}
			results = append(results, result)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) insert(tx *gorm.DB, operation string, userID UserID, category records.Category, localID records.LocalID, payload records.Payload) (remote.BulkResult, error) {
	remoteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err, zap.String("user_id", userID.String()))
		return remote.BulkResult{}, records.NewServiceError(operation, "id_generation_failed", err)
	}
	now := s.clock().UTC().UnixMilli()
	row := StoredRecord{
		RemoteID:    remoteID,
		UserID:      userID.String(),
		Category:    category.String(),
		Class:       string(records.ClassStandard),
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	if localID != "" {
		value := localID.String()
		row.LocalID = &value
	}
	row.applyPayload(payload)

	insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if insert.Error != nil {
		s.logError(operation, "insert_failed", insert.Error,
			zap.String("user_id", userID.String()),
			zap.String("local_id", localID.String()))
		return remote.BulkResult{}, records.NewServiceError(operation, "insert_failed", insert.Error)
	}
	if insert.RowsAffected > 0 {
		return remote.BulkResult{LocalID: localID, RemoteID: records.RemoteID(remoteID), Status: remote.BulkStatusCreated}, nil
	}

	var existing StoredRecord
	if err := tx.Where(queryOrigin, userID.String(), category.String(), localID.String()).Take(&existing).Error; err != nil {
		s.logError(operation, "duplicate_lookup_failed", err,
			zap.String("user_id", userID.String()),
			zap.String("local_id", localID.String()))
		return remote.BulkResult{}, records.NewServiceError(operation, "duplicate_lookup_failed", err)
	}
	return remote.BulkResult{LocalID: localID, RemoteID: records.RemoteID(existing.RemoteID), Status: remote.BulkStatusSkipped}, nil
}

// List returns the owner's records of a category, optionally only those updated at or after since.
func (s *Service) List(ctx context.Context, userID UserID, category records.Category, since *time.Time) ([]remote.RemoteRecord, error) {
	query := s.db.WithContext(ctx).Where(queryOwner, userID.String(), category.String())
	if since != nil {
		query = query.Where("updated_at_ms >= ?", since.UTC().UnixMilli())
	}
	var rows []StoredRecord
	if err := query.Order("updated_at_ms ASC").Find(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, records.NewServiceError(opList, "query_failed", err)
	}
	result := make([]remote.RemoteRecord, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toRemote())
	}
	return result, nil
}

// Update applies a partial change and stamps the update time.
func (s *Service) Update(ctx context.Context, userID UserID, category records.Category, remoteID records.RemoteID, patch records.Patch) (remote.RemoteRecord, error) {
	var updated StoredRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookupErr := tx.Where(queryRecordID, userID.String(), category.String(), remoteID.String()).Take(&updated).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return records.NewServiceError(opUpdate, "not_found", fmt.Errorf("%w: remote id %s", records.ErrRecordNotFound, remoteID))
		}
		if lookupErr != nil {
			s.logError(opUpdate, "query_failed", lookupErr, zap.String("remote_id", remoteID.String()))
			return records.NewServiceError(opUpdate, "query_failed", lookupErr)
		}
		current := updated.toRemote().Payload
		next := patch.Apply(current)
		if err := next.Validate(); err != nil {
			return records.NewServiceError(opUpdate, "invalid_payload", err)
		}
		updated.applyPayload(next)
		updated.UpdatedAtMs = s.clock().UTC().UnixMilli()
		if err := tx.Save(&updated).Error; err != nil {
			s.logError(opUpdate, "save_failed", err, zap.String("remote_id", remoteID.String()))
			return records.NewServiceError(opUpdate, "save_failed", err)
		}
		return nil
	})
	if err != nil {
		return remote.RemoteRecord{}, err
	}
	return updated.toRemote(), nil
}

// Remove hard-deletes a record. Removing an unknown record succeeds.
func (s *Service) Remove(ctx context.Context, userID UserID, category records.Category, remoteID records.RemoteID) error {
	err := s.db.WithContext(ctx).
		Where(queryRecordID, userID.String(), category.String(), remoteID.String()).
		Delete(&StoredRecord{}).Error
	if err != nil {
		s.logError(opRemove, "delete_failed", err, zap.String("remote_id", remoteID.String()))
		return records.NewServiceError(opRemove, "delete_failed", err)
	}
	return nil
}

// Bind returns a remote.Service view of one owner's category, for in-process clients.
func (s *Service) Bind(userID UserID, category records.Category) *Binding {
	return &Binding{service: s, userID: userID, category: category}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("record store error", attrs...)
}
