package pool

import (
	"context"

	"github.com/maastricht-university/callpulse/clients"
)

// Scorer is the scoring collaborator as the orchestrator sees it.
type Scorer interface {
	Score(ctx context.Context, in clients.ScoreReq) (*clients.ScoreResp, error)
	ScoreStream(ctx context.Context, in clients.ScoreReq, onDelta func(string)) (*clients.ScoreResp, error)
}

// PooledScorer holds one slot of its class for the whole duration of every call,
// including the streamed body.
type PooledScorer struct {
	p     *Pool
	class Class
	next  Scorer
}

func (p *Pool) Scorer(class Class, next Scorer) *PooledScorer {
	return &PooledScorer{p: p, class: class, next: next}
}

func (s *PooledScorer) Score(ctx context.Context, in clients.ScoreReq) (*clients.ScoreResp, error) {
	var out *clients.ScoreResp
	err := s.p.Do(ctx, s.class, func(ctx context.Context) error {
		var err error
		out, err = s.next.Score(ctx, in)
		return err
	})
	return out, err
}

func (s *PooledScorer) ScoreStream(ctx context.Context, in clients.ScoreReq, onDelta func(string)) (*clients.ScoreResp, error) {
	var out *clients.ScoreResp
	err := s.p.Do(ctx, s.class, func(ctx context.Context) error {
		var err error
		out, err = s.next.ScoreStream(ctx, in, onDelta)
		return err
	})
	return out, err
}
