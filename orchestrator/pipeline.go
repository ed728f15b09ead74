package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/maastricht-university/callpulse/cache"
	"github.com/maastricht-university/callpulse/clients"
	"github.com/maastricht-university/callpulse/event"
	"github.com/maastricht-university/callpulse/pool"
	"github.com/maastricht-university/callpulse/throttle"
)

// Emitter delivers one outbound event; it reports false once the client is gone.
type Emitter func(event.Out) bool

type Config struct {
	TaskTimeout time.Duration
	Stream      throttle.Config
	Specs       map[Category]TaskSpec
}

// Input is everything one run needs, captured when the run starts.
type Input struct {
	Run      int64
	Primary  string
	Scripts  string
	Settings Settings
	// Go launches the dependent scripts task so the caller can track it. Nil starts
	// a plain goroutine.
	Go func(func())
}

// ScriptsResult is the payload of the dependent task.
type ScriptsResult struct {
	Scripts  []cache.Script `json:"scripts"`
	Degraded bool           `json:"degraded,omitempty"`
}

// Orchestrator is shared by every session. Main carries the independent tasks and
// Aux the dependent scripts task, each already bounded by its pool class.
type Orchestrator struct {
	cfg   Config
	main  pool.Scorer
	aux   pool.Scorer
	cache *cache.Cache
	log   *logrus.Entry
}

func New(c Config, main, aux pool.Scorer, rc *cache.Cache, log *logrus.Entry) *Orchestrator {
	if c.Specs == nil {
		c.Specs = DefaultSpecs()
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 15 * time.Second
	}
	return &Orchestrator{cfg: c, main: main, aux: aux, cache: rc, log: log}
}

// Run scores every independent category concurrently and emits each result the
// moment it lands, then the combined result. A failed task never fails the run.
// The scripts task, when objections were found, is started but not awaited.
func (o *Orchestrator) Run(ctx context.Context, in Input, emit Emitter) (*Combined, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := o.log.WithField("run", in.Run)
	start := time.Now()

	results := make([]Result, len(Independent))
	var g errgroup.Group
	for i, cat := range Independent {
		g.Go(func() error {
			r := o.score(ctx, log, in, cat)
			results[i] = r
			emit(event.Partial(in.Run, string(cat), r))
			if cat == Objections && len(r.Items) > 0 {
				o.spawn(in, func() { o.scripts(ctx, log, in, r.Items, emit) })
			}
			return nil
		})
	}
	_ = g.Wait()

	combined := Combine(results, in.Settings.Weights)
	emit(event.Final(in.Run, combined))
	log.WithFields(logrus.Fields{
		"overall":  combined.Overall,
		"degraded": len(combined.Degraded),
		"took":     time.Since(start).Round(time.Millisecond),
	}).Info("run complete")
	return combined, nil
}

func (o *Orchestrator) spawn(in Input, fn func()) {
	if in.Go != nil {
		in.Go(fn)
		return
	}
	go fn()
}

func (o *Orchestrator) score(ctx context.Context, log *logrus.Entry, in Input, cat Category) Result {
	spec := o.cfg.Specs[cat]
	tctx, cancel := context.WithTimeout(ctx, spec.timeout(o.cfg.TaskTimeout))
	defer cancel()

	resp, err := o.main.Score(tctx, clients.ScoreReq{
		View:               in.Primary,
		Task:               clients.TaskSpec{Category: string(cat), Instructions: spec.Instructions},
		CustomInstructions: in.Settings.Instructions,
	})
	if err != nil {
		log.WithField("category", cat).WithError(err).Warn("scoring failed, using neutral default")
		return Neutral(cat)
	}
	r, ok := fromResponse(cat, resp)
	if !ok {
		log.WithField("category", cat).Debug("empty scoring result, using neutral default")
		return Neutral(cat)
	}
	if cat == Objections {
		r = ProbabilityFallback(r)
	}
	return r
}

func fromResponse(cat Category, resp *clients.ScoreResp) (Result, bool) {
	if resp == nil || (resp.Score == nil && resp.Label == "" && len(resp.Items) == 0) {
		return Result{}, false
	}
	r := Result{Category: cat, Score: NeutralScore, Summary: resp.Summary, Items: make([]Item, 0, len(resp.Items))}
	if resp.Score != nil && !math.IsNaN(*resp.Score) {
		r.Score = math.Min(math.Max(*resp.Score, 0), 100)
	}
	r.Label = resp.Label
	if r.Label == "" {
		r.Label = labelFor(r.Score)
	}
	for i, it := range resp.Items {
		id := it.ID
		if id == "" {
			id = fmt.Sprintf("%s%d", cat.itemPrefix(), i+1)
		}
		r.Items = append(r.Items, Item{ID: id, Text: it.Text, Indicator: it.Indicator, Probability: it.Probability})
	}
	return r, true
}

// scripts serves cached scripts for known objections and streams generation of the
// rest through the throttler. It always ends with exactly one scripts event.
func (o *Orchestrator) scripts(ctx context.Context, log *logrus.Entry, in Input, objections []Item, emit Emitter) {
	spec := o.cfg.Specs[Scripts]
	tctx, cancel := context.WithTimeout(ctx, spec.timeout(o.cfg.TaskTimeout))
	defer cancel()

	items := make([]cache.Item, len(objections))
	for i, it := range objections {
		items[i] = cache.Item{ID: it.ID, Text: it.Text, Indicator: it.Indicator}
	}

	th := throttle.New(o.cfg.Stream, func(d throttle.Delta) {
		emit(event.Stream(in.Run, string(d.Kind), d.Text))
	})
	gen := func(ctx context.Context, misses []cache.Item) (map[string][]string, error) {
		req := clients.ScoreReq{
			View:               in.Scripts,
			Task:               clients.TaskSpec{Category: string(Scripts), Instructions: spec.Instructions},
			CustomInstructions: in.Settings.Instructions,
			Items:              make([]clients.ScoreItem, len(misses)),
		}
		for i, m := range misses {
			req.Items[i] = clients.ScoreItem{ID: m.ID, Text: m.Text, Indicator: m.Indicator}
		}
		th.Start()
		defer th.Done()
		resp, err := o.aux.ScoreStream(ctx, req, th.Fragment)
		if err != nil {
			return nil, err
		}
		out := make(map[string][]string, len(resp.Items))
		for _, it := range resp.Items {
			if len(it.Scripts) > 0 {
				out[it.ID] = it.Scripts
			}
		}
		return out, nil
	}

	scripts, err := o.cache.LookupOrGenerate(tctx, items, gen)
	res := ScriptsResult{Scripts: scripts}
	if res.Scripts == nil {
		res.Scripts = []cache.Script{}
	}
	if err != nil {
		res.Degraded = true
		log.WithField("category", Scripts).WithError(err).Warn("script generation failed")
	}
	emit(event.Scripts(in.Run, res))
	log.WithFields(logrus.Fields{"category": Scripts, "scripts": len(res.Scripts)}).Debug("scripts delivered")
}
