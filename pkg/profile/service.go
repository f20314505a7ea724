package profile

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/reflexio/reflexio/internal/config"
	"github.com/reflexio/reflexio/pkg/generation"
	"github.com/reflexio/reflexio/pkg/opstate"
	"github.com/reflexio/reflexio/pkg/store"
	"github.com/reflexio/reflexio/pkg/types"
)

// Outcome reports what happened to one extractor during a Service.Run.
type Outcome struct {
	ExtractorName string
	Skipped       bool
	Err           error
}

// Service drives the profile subsystem's per-window flow (§4.2, §4.3):
// extractors run in parallel against their own windows, their diffs are
// combined by Dedup, and the merged result is written once by Updater —
// unlike generation.Run, persistence happens after a barrier across every
// extractor in this window, because the deduplicator needs all of them.
type Service struct {
	Store     store.Store
	Opstate   *opstate.Manager
	Dedup     *Deduplicator
	Updater   *Updater
	Logger    logrus.FieldLogger
}

type preparedExtractor struct {
	ex      Extractor
	window  generation.Window
	outcome Outcome
}

// Run executes every selected extractor, merges their diffs, persists
// once, then advances each successful extractor's own bookmark.
func (s *Service) Run(ctx context.Context, extractors []Extractor, orgExtractorConfigs []config.ExtractorConfig, params generation.Params, cfg generation.ServiceConfig, createdAt int64) ([]Outcome, error) {
	logger := s.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	configByName := map[string]config.ExtractorConfig{}
	for _, ec := range orgExtractorConfigs {
		configByName[ec.Name] = ec
	}

	selected := generation.SelectExtractors(orgExtractorConfigs, cfg)
	selectedNames := map[string]bool{}
	for _, ec := range selected {
		selectedNames[ec.Name] = true
	}

	var runnable []Extractor
	for _, ex := range extractors {
		if selectedNames[ex.Name()] {
			runnable = append(runnable, ex)
		}
	}
	if len(runnable) == 0 {
		return nil, nil
	}

	prepared := make([]preparedExtractor, len(runnable))
	for i, ex := range runnable {
		window, skipped, err := generation.PrepareWindow(ctx, s.Store, s.Opstate, configByName[ex.Name()], params, cfg)
		switch {
		case err != nil:
			prepared[i] = preparedExtractor{ex: ex, outcome: Outcome{ExtractorName: ex.Name(), Err: err}}
		case skipped:
			prepared[i] = preparedExtractor{ex: ex, outcome: Outcome{ExtractorName: ex.Name(), Skipped: true}}
		default:
			prepared[i] = preparedExtractor{ex: ex, window: window}
		}
	}

	poolSize := params.PoolSize
	if poolSize <= 0 {
		poolSize = 8
	}
	sem := semaphore.NewWeighted(int64(poolSize))
	diffs := make([]Diff, len(prepared))
	extractErrs := make([]error, len(prepared))

	var wg sync.WaitGroup
	for i, p := range prepared {
		if p.outcome.Skipped || p.outcome.Err != nil {
			continue
		}
		i, p := i, p
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				extractErrs[i] = err
				return
			}
			defer sem.Release(1)

			itemCtx := ctx
			var cancel context.CancelFunc
			if params.ExtractorTimeout > 0 {
				itemCtx, cancel = context.WithTimeout(ctx, params.ExtractorTimeout)
				defer cancel()
			}
			diff, err := p.ex.ExtractDiff(itemCtx, p.window, cfg)
			diffs[i] = diff
			extractErrs[i] = err
		}()
	}
	wg.Wait()

	outcomes := make([]Outcome, len(prepared))
	var okDiffs []Diff
	var okIdx []int
	for i, p := range prepared {
		outcomes[i] = p.outcome
		if p.outcome.Skipped || p.outcome.Err != nil {
			continue
		}
		if extractErrs[i] != nil {
			logger.WithFields(logrus.Fields{"extractor": p.ex.Name(), "user_id": cfg.UserID}).WithError(extractErrs[i]).Warn("profile extractor failed, bookmark preserved")
			outcomes[i] = Outcome{ExtractorName: p.ex.Name(), Err: extractErrs[i]}
			continue
		}
		okDiffs = append(okDiffs, diffs[i])
		okIdx = append(okIdx, i)
	}

	if len(okDiffs) == 0 {
		return outcomes, nil
	}

	merged, err := s.Dedup.Merge(ctx, okDiffs)
	if err != nil {
		return outcomes, err
	}

	if err := s.Updater.Apply(ctx, cfg.UserID, cfg.RequestID, createdAt, merged); err != nil {
		return outcomes, err
	}

	for _, i := range okIdx {
		p := prepared[i]
		newest := p.window.Interactions[len(p.window.Interactions)-1]
		if err := s.Opstate.AdvanceBookmark(ctx, params.Service, params.OrgID, params.Scope, p.ex.Name(), types.Bookmark{
			LastProcessedInteractionID: newest.InteractionID,
			LastProcessedTS:            newest.CreatedAt,
		}); err != nil {
			outcomes[i] = Outcome{ExtractorName: p.ex.Name(), Err: err}
			continue
		}
		outcomes[i] = Outcome{ExtractorName: p.ex.Name()}
	}

	return outcomes, nil
}
