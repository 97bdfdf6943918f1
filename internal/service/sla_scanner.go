package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-automation/internal/domain"
	"github.com/spec-kit/ticket-automation/internal/events"
	"github.com/spec-kit/ticket-automation/internal/repository"
)

const componentSLAScanner = "sla_scanner"

// SLAScanResult summarises one SLA scan.
type SLAScanResult struct {
	Scanned               int `json:"scanned"`
	FirstResponseBreaches int `json:"firstResponseBreaches"`
	ResolutionBreaches    int `json:"resolutionBreaches"`
	Failed                int `json:"failed"`
}

// SLAScanner flags first-response and resolution breaches.
type SLAScanner struct {
	deps Dependencies
}

// NewSLAScanner builds the scanner.
func NewSLAScanner(deps Dependencies) *SLAScanner {
	return &SLAScanner{deps: deps.normalized(componentSLAScanner)}
}

// Scan flags up to limit overdue SLA records. Each ticket is handled in its
// own transaction; a failing ticket is counted and skipped.
func (s *SLAScanner) Scan(ctx context.Context, limit int) (SLAScanResult, error) {
	var result SLAScanResult
	now := s.deps.Now()

	records, err := s.deps.Store.SLAs().ListBreachCandidates(ctx, now, limit)
	if err != nil {
		return result, fmt.Errorf("list sla breach candidates: %w", err)
	}
	result.Scanned = len(records)

	for _, rec := range records {
		firstResponse, resolution, err := s.flag(ctx, rec)
		if err != nil {
			result.Failed++
			s.deps.Logger.Warn("sla breach update failed", zap.String("ticket_id", rec.TicketID), zap.Error(err))
			continue
		}
		if firstResponse {
			result.FirstResponseBreaches++
		}
		if resolution {
			result.ResolutionBreaches++
		}
	}

	s.deps.Metrics.RecordRows(componentSLAScanner, "first_response_breach", result.FirstResponseBreaches)
	s.deps.Metrics.RecordRows(componentSLAScanner, "resolution_breach", result.ResolutionBreaches)
	s.deps.Metrics.RecordRows(componentSLAScanner, "failed", result.Failed)
	s.deps.Logger.Info("sla scan finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("first_response_breaches", result.FirstResponseBreaches),
		zap.Int("resolution_breaches", result.ResolutionBreaches),
		zap.Int("failed", result.Failed))
	return result, nil
}

func (s *SLAScanner) flag(ctx context.Context, rec domain.SLARecord) (bool, bool, error) {
	now := s.deps.Now()
	var (
		firstResponse, resolution bool
		appended                  []*events.Entry
	)
	err := s.deps.Store.WithTx(ctx, func(tx repository.Stores) error {
		firstResponse, resolution, appended = false, false, nil

		if rec.FirstResponseOverdue(now) {
			marked, err := tx.SLAs().MarkFirstResponseBreached(ctx, rec.TicketID, now)
			if err != nil {
				return fmt.Errorf("mark first response breached: %w", err)
			}
			if marked {
				entry, _, err := appendEvent(ctx, tx, rec.TicketID, events.FirstResponseBreachedPayload{DueAt: *rec.FirstResponseDueAt})
				if err != nil {
					return err
				}
				firstResponse = true
				appended = append(appended, entry)
			}
		}

		if rec.ResolutionOverdue(now) {
			marked, err := tx.SLAs().MarkResolutionBreached(ctx, rec.TicketID, now)
			if err != nil {
				return fmt.Errorf("mark resolution breached: %w", err)
			}
			if marked {
				entry, _, err := appendEvent(ctx, tx, rec.TicketID, events.ResolutionBreachedPayload{DueAt: *rec.ResolutionDueAt})
				if err != nil {
					return err
				}
				resolution = true
				appended = append(appended, entry)
			}
		}
		return nil
	})
	if err != nil {
		return false, false, err
	}
	s.deps.publish(ctx, appended...)
	return firstResponse, resolution, nil
}
