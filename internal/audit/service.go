package audit

import (
	"context"
	"fmt"
)

// TimelineRepository provides the read queries the service needs.
type TimelineRepository interface {
	Window(ctx context.Context, f TimelineFilters, limit, offset int) ([]Entry, error)
}

// Service coordinates ledger reads.
type Service struct {
	repo TimelineRepository
}

// NewService builds a timeline service over the repository.
func NewService(repo TimelineRepository) *Service {
	return &Service{repo: repo}
}

// Timeline returns a page of ledger entries matching the filters.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize
	rows, err := s.repo.Window(ctx, filters, pageSize+1, offset)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export returns all matching entries without paging, for CSV download.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]Entry, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	const exportCap = 10000
	return s.repo.Window(ctx, filters, exportCap, 0)
}
