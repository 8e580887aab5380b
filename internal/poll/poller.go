package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coinward/ipn/internal/domain"
	"github.com/coinward/ipn/internal/reconcile"
	"github.com/coinward/ipn/internal/storage"
)

// InvoiceFetcher retrieves current invoice state from the provider.
type InvoiceFetcher interface {
	GetInvoice(ctx context.Context, invoiceID string) (domain.Notification, error)
}

// Poller drives the poll-based reconciliation path: it fetches provider
// state for every non-terminal stored transaction and feeds it through the
// same reconciler the push callback uses.
type Poller struct {
	store    storage.Store
	fetcher  InvoiceFetcher
	rec      *reconcile.Reconciler
	logger   *slog.Logger
	workers  int
	interval time.Duration
}

// Options configures the poller.
type Options struct {
	Workers  int
	Interval time.Duration
}

// New constructs a Poller.
func New(store storage.Store, fetcher InvoiceFetcher, rec *reconcile.Reconciler, logger *slog.Logger, opts Options) *Poller {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Poller{
		store:    store,
		fetcher:  fetcher,
		rec:      rec,
		logger:   logger,
		workers:  workers,
		interval: interval,
	}
}

// Run executes sweeps on the configured interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("poll sweep finished with errors", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep reconciles every non-terminal transaction once, spreading the work
// across the worker pool.
func (p *Poller) Sweep(ctx context.Context) error {
	pending, err := p.store.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	p.logger.Info("starting poll sweep", "transactions", len(pending))

	idxCh := make(chan int)
	errCh := make(chan error, len(pending))
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for idx := range idxCh {
			if err := p.pollOne(ctx, pending[idx]); err != nil {
				select {
				case errCh <- err:
				case <-ctx.Done():
					return
				}
			}
		}
	}

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go worker()
	}

Loop:
	for i := range pending {
		select {
		case idxCh <- i:
		case <-ctx.Done():
			break Loop
		}
	}
	close(idxCh)
	wg.Wait()
	close(errCh)

	var sweepErr error
	for err := range errCh {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		sweepErr = errors.Join(sweepErr, err)
	}
	return sweepErr
}

func (p *Poller) pollOne(ctx context.Context, tx domain.Transaction) error {
	n, err := p.fetcher.GetInvoice(ctx, tx.InvoiceID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		p.logger.Warn("failed to fetch invoice from provider",
			"invoiceId", tx.InvoiceID,
			"error", err,
		)
		return err
	}

	decision, err := p.rec.Process(ctx, n)
	if err != nil {
		p.logger.Warn("poll reconciliation failed",
			"invoiceId", tx.InvoiceID,
			"decision", decision,
			"error", err,
		)
		return err
	}
	return nil
}
