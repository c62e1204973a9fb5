package usecase

import (
	"github.com/fairyhunter13/listing-intake/internal/domain"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// QueryService serves tenant-scoped job reads.
type QueryService struct {
	Jobs domain.JobRepository
}

// NewQueryService constructs a QueryService.
func NewQueryService(jobs domain.JobRepository) QueryService {
	return QueryService{Jobs: jobs}
}

// Get returns one job within the tenant boundary.
func (s QueryService) Get(ctx domain.Context, tenant domain.TenantID, id string) (JobView, error) {
	job, err := s.Jobs.FindByID(ctx, tenant, id)
	if err != nil {
		return JobView{}, err
	}
	return NewJobView(job), nil
}

// ListResult carries one page plus its paging meta.
type ListResult struct {
	Jobs   []JobView
	Total  int64
	Limit  int
	Offset int
}

// List returns a filtered page of the tenant's jobs. Limit is clamped to
// 1..100 with a default of 20; negative offsets become 0.
func (s QueryService) List(ctx domain.Context, tenant domain.TenantID, f domain.JobFilter, limit, offset int) (ListResult, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, err := s.Jobs.FindByTenant(ctx, tenant, f, limit, offset)
	if err != nil {
		return ListResult{}, err
	}
	total, err := s.Jobs.CountByTenant(ctx, tenant, f)
	if err != nil {
		return ListResult{}, err
	}

	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, NewJobView(j))
	}
	return ListResult{Jobs: views, Total: total, Limit: limit, Offset: offset}, nil
}
