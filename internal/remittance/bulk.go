package remittance

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"fiscalbridge/pkg/domain"
	dErrors "fiscalbridge/pkg/domain-errors"
)

// ResendSelected retries each remittance as Retry does without options, so a
// transmission failure is resent and any other failure re-enters the
// pipeline. Results follow the input order; one item failing never fails the
// batch. Repeated ids run once and later occurrences are reported as
// duplicates.
func (s *Service) ResendSelected(ctx context.Context, actor domain.Actor, ids []domain.RemittanceID) ([]BulkResult, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.bulk(ctx, "resend", ids, func(ctx context.Context, id domain.RemittanceID) (*Remittance, error) {
		return s.Retry(ctx, actor, id, RetryOptions{})
	})
}

// CancelSelected cancels each remittance with the same reason.
func (s *Service) CancelSelected(ctx context.Context, actor domain.Actor, ids []domain.RemittanceID, reason string) ([]BulkResult, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "cancel reason is required")
	}
	return s.bulk(ctx, "cancel", ids, func(ctx context.Context, id domain.RemittanceID) (*Remittance, error) {
		return s.Cancel(ctx, actor, id, reason)
	})
}

func (s *Service) bulk(ctx context.Context, operation string, ids []domain.RemittanceID, fn func(context.Context, domain.RemittanceID) (*Remittance, error)) ([]BulkResult, error) {
	if len(ids) == 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "at least one remittance id is required")
	}
	if len(ids) > maxBulkItems {
		return nil, dErrors.Newf(dErrors.CodeBadRequest, "at most %d remittances per request", maxBulkItems)
	}

	results := make([]BulkResult, len(ids))
	seen := make(map[domain.RemittanceID]bool, len(ids))
	var g errgroup.Group
	g.SetLimit(s.bulkConcurrency)
	for i, id := range ids {
		if seen[id] {
			results[i] = BulkResult{ID: id, Error: "duplicate id in selection", Code: dErrors.CodeBadRequest}
			continue
		}
		seen[id] = true
		g.Go(func() error {
			r, err := fn(ctx, id)
			results[i] = bulkResult(id, r, err)
			s.metrics.IncBulkItem(operation, results[i].OK)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, res := range results {
		if !res.OK {
			failed++
		}
	}
	s.logger.InfoContext(ctx, "bulk remittance operation finished",
		"operation", operation,
		"items", len(ids),
		"failed", failed,
	)
	return results, nil
}

func bulkResult(id domain.RemittanceID, r *Remittance, err error) BulkResult {
	if err != nil {
		return BulkResult{ID: id, Error: err.Error(), Code: dErrors.GetCode(err)}
	}
	res := BulkResult{ID: id, OK: true, Status: r.Status}
	if failure := r.Failure(); failure != nil {
		res.OK = false
		res.Error = r.ErrorMessage
		res.Code = dErrors.GetCode(failure)
	}
	return res
}
