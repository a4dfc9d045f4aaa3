// Package dashboard serves the per-organization summary shown on the staff
// landing page. Summaries are cached and dropped whenever one of the
// organization's upload batches finishes.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labportal/labportal/internal/domain/result"
	"github.com/labportal/labportal/internal/domain/upload"
	"github.com/labportal/labportal/internal/platform/cache"
)

// RecentUploadLimit is the number of batches included in a summary.
const RecentUploadLimit = 5

type Summary struct {
	TotalResults  int             `json:"total_results"`
	TotalPatients int             `json:"total_patients"`
	RecentUploads []*upload.Batch `json:"recent_uploads"`
	GeneratedAt   time.Time       `json:"generated_at"`
}

type StatsSource interface {
	Stats(ctx context.Context, orgID uuid.UUID) (*result.OrganizationStats, error)
}

type UploadLister interface {
	ListForOrganization(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*upload.Batch, int, error)
}

type Service struct {
	stats   StatsSource
	uploads UploadLister
	store   cache.Store
	ttl     time.Duration
	now     func() time.Time
}

func NewService(stats StatsSource, uploads UploadLister, store cache.Store, ttl time.Duration) *Service {
	return &Service{stats: stats, uploads: uploads, store: store, ttl: ttl, now: time.Now}
}

func cacheKey(orgID uuid.UUID) string {
	return "dashboard:" + orgID.String()
}

// Get returns the organization's summary and whether it came from cache.
// Cache failures are logged and fall through to the database.
func (s *Service) Get(ctx context.Context, orgID uuid.UUID) (*Summary, bool, error) {
	key := cacheKey(orgID)
	log := zerolog.Ctx(ctx)

	if data, ok, err := s.store.Get(ctx, key); err != nil {
		log.Warn().Err(err).Str("organization_id", orgID.String()).Msg("dashboard cache read failed")
	} else if ok {
		var sum Summary
		if err := json.Unmarshal(data, &sum); err == nil {
			return &sum, true, nil
		}
		log.Warn().Str("organization_id", orgID.String()).Msg("discarding undecodable dashboard cache entry")
	}

	sum, err := s.build(ctx, orgID)
	if err != nil {
		return nil, false, err
	}

	if s.ttl > 0 {
		data, err := json.Marshal(sum)
		if err == nil {
			err = s.store.Set(ctx, key, data, s.ttl)
		}
		if err != nil {
			log.Warn().Err(err).Str("organization_id", orgID.String()).Msg("dashboard cache write failed")
		}
	}
	return sum, false, nil
}

func (s *Service) build(ctx context.Context, orgID uuid.UUID) (*Summary, error) {
	stats, err := s.stats.Stats(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load result stats: %w", err)
	}
	recent, _, err := s.uploads.ListForOrganization(ctx, orgID, RecentUploadLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("load recent uploads: %w", err)
	}
	if recent == nil {
		recent = []*upload.Batch{}
	}
	return &Summary{
		TotalResults:  stats.TotalResults,
		TotalPatients: stats.TotalPatients,
		RecentUploads: recent,
		GeneratedAt:   s.now().UTC(),
	}, nil
}

// BatchFinished drops the cached summary of the batch's organization.
func (s *Service) BatchFinished(ctx context.Context, b *upload.Batch) {
	if err := s.store.Delete(ctx, cacheKey(b.OrganizationID)); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("organization_id", b.OrganizationID.String()).
			Msg("dashboard cache invalidation failed")
	}
}
