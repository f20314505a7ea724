// Package generation implements the shared service/extractor pattern
// (§4.2) used by the profile, feedback, and evaluation services: extractor
// selection, window/bookmark bookkeeping, and the bounded per-service
// worker pool that runs extractors in parallel.
package generation

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/reflexio/reflexio/internal/config"
	"github.com/reflexio/reflexio/pkg/metrics"
	"github.com/reflexio/reflexio/pkg/opstate"
	"github.com/reflexio/reflexio/pkg/store"
	"github.com/reflexio/reflexio/pkg/telemetry"
	"github.com/reflexio/reflexio/pkg/types"
)

// RunMode distinguishes the three generation modes of §4.2's table.
type RunMode int

const (
	ModeRegular RunMode = iota
	ModeManual
	ModeRerun
)

// ChecksStride reports whether this mode honors the stride skip (step c);
// only regular on-publish runs do.
func (m RunMode) ChecksStride() bool { return m == ModeRegular }

// OutputStatus is the lifecycle status new content is written with under
// this mode: CURRENT for regular/manual runs, PENDING for reruns.
func (m RunMode) OutputStatus() types.LifecycleStatus {
	if m == ModeRerun {
		return types.StatusPending
	}
	return types.StatusCurrent
}

// String names the mode for logging/telemetry attributes.
func (m RunMode) String() string {
	switch m {
	case ModeManual:
		return "manual"
	case ModeRerun:
		return "rerun"
	default:
		return "regular"
	}
}

// ServiceConfig is the per-invocation GenerationServiceConfig of §4.2.
type ServiceConfig struct {
	UserID         string
	Source         string
	AgentVersion   string
	RequestID      string
	Mode           RunMode
	ExtractorNames []string // explicit allowlist; empty means "all selected by other filters"
}

// SelectExtractors applies §4.2 step 1: source filter, manual-trigger
// gating, and the explicit name allowlist.
func SelectExtractors(extractors []config.ExtractorConfig, cfg ServiceConfig) []config.ExtractorConfig {
	allow := map[string]bool{}
	for _, n := range cfg.ExtractorNames {
		allow[n] = true
	}

	var out []config.ExtractorConfig
	for _, e := range extractors {
		if !e.SourceEnabled(cfg.Source) {
			continue
		}
		if cfg.Mode == ModeManual && !e.AllowManualTrigger {
			continue
		}
		if len(allow) > 0 && !allow[e.Name] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Window is the context given to an Extractor: the last window_size
// interactions ending at the current tail, irrespective of the bookmark
// (§4.2 step d — "not only the new ones").
type Window struct {
	ExtractorName string
	Interactions  []*types.Interaction
	LatestBookmark types.Bookmark
}

// Extractor is implemented once per extraction concern (profile item,
// feedback item, evaluation judgment, ...). Extract returns a Persist
// closure so service-specific write/dedup logic stays out of this shared
// package; Persist is only invoked on a successful Extract.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, window Window, cfg ServiceConfig) (Persist func(ctx context.Context) error, err error)
}

// Outcome reports what happened to one extractor during a Run.
type Outcome struct {
	ExtractorName string
	Skipped       bool
	Err           error
}

// Params bundles the knobs Run needs beyond the per-request ServiceConfig.
type Params struct {
	Service          string // "profile" | "feedback" | "evaluation"
	OrgID            string
	Scope            string // batch scope segment, empty for single-user runs
	GlobalWindowSize int
	GlobalStride     int
	ExtractorTimeout time.Duration
	PoolSize         int // default 8 per §4.2 step 2
}

// Run executes every selected extractor against its own window, bounded
// by a worker pool of size Params.PoolSize (default 8), and returns one
// Outcome per extractor. It owns bookmark advancement; extractors and
// their Persist closures never touch bookmarks directly (§3 ownership
// note: "the Orchestrator owns writes to bookmarks... extractors only
// read bookmarks via utility functions").
func Run(ctx context.Context, st store.Store, mgr *opstate.Manager, logger logrus.FieldLogger, extractors []Extractor, orgExtractorConfigs []config.ExtractorConfig, params Params, cfg ServiceConfig) []Outcome {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	poolSize := params.PoolSize
	if poolSize <= 0 {
		poolSize = 8
	}

	configByName := map[string]config.ExtractorConfig{}
	for _, ec := range orgExtractorConfigs {
		configByName[ec.Name] = ec
	}

	selected := SelectExtractors(orgExtractorConfigs, cfg)
	selectedNames := map[string]bool{}
	for _, ec := range selected {
		selectedNames[ec.Name] = true
	}

	runnable := make([]Extractor, 0, len(selected))
	for _, ex := range extractors {
		if selectedNames[ex.Name()] {
			runnable = append(runnable, ex)
		}
	}

	outcomes := make([]Outcome, len(runnable))
	sem := semaphore.NewWeighted(int64(poolSize))
	done := make(chan int, len(runnable))

	for i, ex := range runnable {
		i, ex := i, ex
		go func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				outcomes[i] = Outcome{ExtractorName: ex.Name(), Err: err}
				done <- i
				return
			}
			defer sem.Release(1)
			outcomes[i] = runOne(ctx, st, mgr, logger, ex, configByName[ex.Name()], params, cfg)
			done <- i
		}()
	}
	for range runnable {
		<-done
	}
	return outcomes
}

// PrepareWindow performs §4.2 steps a-d for one extractor: resolve the
// effective window/stride, read the bookmark, apply the stride skip-check
// (regular mode only), and load the tail window of interactions. Exported
// so services that need a barrier across extractors before persisting
// (profile's cross-extractor dedup) can drive the same bookkeeping
// generation.Run uses internally without going through its built-in
// per-extractor persist-then-advance.
func PrepareWindow(ctx context.Context, st store.Store, mgr *opstate.Manager, ec config.ExtractorConfig, params Params, cfg ServiceConfig) (win Window, skipped bool, err error) {
	name := ec.Name
	windowSize, stride := ec.EffectiveWindow(params.GlobalWindowSize, params.GlobalStride)

	bookmark, err := mgr.GetBookmark(ctx, params.Service, params.OrgID, params.Scope, name)
	if err != nil {
		return Window{}, false, err
	}
	if bookmark == nil {
		bookmark = &types.Bookmark{}
	}

	if cfg.Mode.ChecksStride() {
		count, err := st.CountInteractionsSince(ctx, cfg.UserID, bookmark.LastProcessedInteractionID)
		if err != nil {
			return Window{}, false, err
		}
		if count < stride {
			return Window{}, true, nil
		}
	}

	interactions, err := st.GetInteractionsForUser(ctx, cfg.UserID, "", windowSize)
	if err != nil {
		return Window{}, false, err
	}
	if len(interactions) == 0 {
		return Window{}, true, nil
	}

	return Window{ExtractorName: name, Interactions: interactions, LatestBookmark: *bookmark}, false, nil
}

func runOne(ctx context.Context, st store.Store, mgr *opstate.Manager, logger logrus.FieldLogger, ex Extractor, ec config.ExtractorConfig, params Params, cfg ServiceConfig) Outcome {
	name := ex.Name()
	timer := metrics.NewTimer()
	ctx, span := telemetry.StartExtractorRun(ctx, params.Service, name, cfg.Mode.String())
	defer span.End()

	window, skipped, err := PrepareWindow(ctx, st, mgr, ec, params, cfg)
	if err != nil {
		timer.RecordExtractorRun(params.Service, name, "error")
		return Outcome{ExtractorName: name, Err: err}
	}
	if skipped {
		timer.RecordExtractorRun(params.Service, name, "skipped")
		return Outcome{ExtractorName: name, Skipped: true}
	}

	extractCtx := ctx
	var cancel context.CancelFunc
	if params.ExtractorTimeout > 0 {
		extractCtx, cancel = context.WithTimeout(ctx, params.ExtractorTimeout)
		defer cancel()
	}

	persist, err := ex.Extract(extractCtx, window, cfg)
	if err != nil {
		logger.WithFields(logrus.Fields{"extractor": name, "user_id": cfg.UserID}).WithError(err).Warn("extractor failed, bookmark preserved")
		timer.RecordExtractorRun(params.Service, name, "error")
		return Outcome{ExtractorName: name, Err: err}
	}

	if persist != nil {
		if err := persist(ctx); err != nil {
			timer.RecordExtractorRun(params.Service, name, "error")
			return Outcome{ExtractorName: name, Err: err}
		}
	}

	newest := window.Interactions[len(window.Interactions)-1]
	if err := mgr.AdvanceBookmark(ctx, params.Service, params.OrgID, params.Scope, name, types.Bookmark{
		LastProcessedInteractionID: newest.InteractionID,
		LastProcessedTS:            newest.CreatedAt,
	}); err != nil {
		timer.RecordExtractorRun(params.Service, name, "error")
		return Outcome{ExtractorName: name, Err: err}
	}

	timer.RecordExtractorRun(params.Service, name, "ok")
	return Outcome{ExtractorName: name}
}
