package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/target/placement-fulfillment/internal/domain/model"
)

// FulfillMulti places every item of a multi-item order. Items run
// concurrently, each with its own fallback loop, and draw distinct providers
// from one shared pool.
func (o *Orchestrator) FulfillMulti(ctx context.Context, req FulfillRequest) (*FulfillmentOutcome, error) {
	order, skipped, err := o.claim(ctx, req)
	if err != nil || skipped != nil {
		return skipped, err
	}
	return o.runMulti(ctx, order)
}

func (o *Orchestrator) runMulti(ctx context.Context, order *model.Order) (*FulfillmentOutcome, error) {
	logger := o.logger.With("order_id", order.ID)
	qty := order.RequestedQuantity()

	// Items placed by an earlier run keep their post; only the gaps are placed
	// again, on providers that do not already carry one.
	items, open := carriedItems(order.Metadata.Items, qty)
	used := make(map[string]bool)
	for _, it := range items {
		if it.URL != "" {
			used[normalizeHost(it.ProviderDomain)] = true
		}
	}
	if len(open) < qty {
		logger.InfoContext(ctx, "resuming multi-item order", "placed", qty-len(open), "open", len(open))
	}

	candidates, listErr := o.providers.Candidates(ctx, CandidateQuery{
		TargetURL:       order.Metadata.TargetURL,
		PreferredDomain: order.Metadata.PreferredDomain,
	})
	if listErr != nil {
		logger.ErrorContext(ctx, "candidate lookup failed", "error", listErr)
	}
	pool := newCandidatePool(slices.DeleteFunc(candidates, func(p *model.Provider) bool {
		return used[normalizeHost(p.Domain)]
	}))

	results := make([]placement, len(open))
	var g errgroup.Group
	g.SetLimit(o.cfg.MaxConcurrency)
	for j, idx := range open {
		g.Go(func() error {
			results[j] = o.place(ctx, order, pool, idx)
			return nil
		})
	}
	_ = g.Wait()

	meta := order.Metadata
	meta.RequestedQuantity = qty
	meta.Attempts = 0
	meta.Degraded = false

	retryable := listErr != nil
	tried := make([][]string, 0, len(results))
	for j, idx := range open {
		r := &results[j]
		item := model.ItemResult{Index: idx, Tried: append([]string(nil), r.tried...)}
		if r.ok() {
			item.ProviderDomain, item.URL = r.provider.Domain, r.url
			item.Tried = append(item.Tried, r.provider.Domain)
		} else {
			item.Error = r.failureReason(listErr)
			retryable = retryable || r.transient || r.noCandidates || r.err != nil
		}
		items[idx] = item
		meta.Attempts += r.attempts
		meta.Degraded = meta.Degraded || r.degraded
		tried = append(tried, r.tried)
	}
	meta.Items = items

	var (
		successes int
		urls      []string
		first     *model.ItemResult
	)
	for i := range items {
		if items[i].URL == "" {
			continue
		}
		successes++
		urls = append(urls, items[i].URL)
		if first == nil {
			first = &items[i]
		}
	}
	meta.SuccessfulCount = successes
	meta.ExcludedProviders = mergeDomains(tried...)

	status := multiStatus(successes, qty, o.cfg.SuccessThreshold)
	out := &FulfillmentOutcome{
		OrderID:  order.ID,
		Status:   status,
		URLs:     urls,
		Attempts: meta.Attempts,
		Excluded: meta.ExcludedProviders,
	}

	if status == model.OrderFailed {
		meta.FailureReason = fmt.Sprintf("no placements succeeded out of %d: %s", qty, items[0].Error)
		meta.FailedAt = o.stamp()
		meta.Retryable = retryable
		out.Reason, out.Retryable = meta.FailureReason, retryable
	} else {
		if id, placed := postIDFor(results, open, first.Index); placed {
			meta.PostID = id
		} else if meta.ResultURL != first.URL {
			meta.PostID = ""
		}
		meta.ProviderDomain, meta.ResultURL = first.ProviderDomain, first.URL
		meta.CompletedAt = o.stamp()
		meta.FailureReason = ""
		meta.Retryable = false
		out.ResultURL, out.Provider = first.URL, first.ProviderDomain
		if status == model.OrderPartial {
			meta.FailureReason = fmt.Sprintf("%d of %d placements succeeded", successes, qty)
			out.Reason = meta.FailureReason
		}
	}

	if err := o.finish(ctx, order, status, meta); err != nil {
		if errors.Is(err, model.ErrTransitionConflict) {
			return o.superseded(ctx, order, status, urls), nil
		}
		return nil, err
	}
	logger.InfoContext(ctx, "multi-item order finished",
		"status", status,
		"requested", qty,
		"successful", successes,
		"attempts", meta.Attempts,
	)
	o.notify(ctx, order, model.OrderNotification{
		Status:    status,
		ResultURL: out.ResultURL,
		URLs:      urls,
		Provider:  out.Provider,
		Reason:    out.Reason,
	})
	o.record(out)

	if status == model.OrderFailed && retryable {
		return out, fmt.Errorf("order %s: %s: %w", order.ID, meta.FailureReason, model.ErrTransient)
	}
	return out, nil
}

// carriedItems returns qty item slots holding the successful items of prev,
// and the indexes still to be placed.
func carriedItems(prev []model.ItemResult, qty int) ([]model.ItemResult, []int) {
	items := make([]model.ItemResult, qty)
	for i := range items {
		items[i].Index = i
	}
	for _, it := range prev {
		if it.URL != "" && it.Index >= 0 && it.Index < qty && items[it.Index].URL == "" {
			items[it.Index] = it
		}
	}
	var open []int
	for i := range items {
		if items[i].URL == "" {
			open = append(open, i)
		}
	}
	return items, open
}

// postIDFor returns the post id of the item placed in this run at index idx.
// It reports false when the item was carried over from an earlier run.
func postIDFor(results []placement, open []int, idx int) (string, bool) {
	for j, i := range open {
		if i == idx {
			return results[j].postID, true
		}
	}
	return "", false
}

// multiStatus maps the success count of a multi-item order to its status.
func multiStatus(successes, qty int, threshold float64) model.OrderStatus {
	switch {
	case successes == 0:
		return model.OrderFailed
	case float64(successes)/float64(qty) >= threshold:
		return model.OrderCompleted
	default:
		return model.OrderPartial
	}
}
