package dialog

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// SearchHit is the best matching policy passage.
type SearchHit struct {
	Title   string
	Source  string
	Content string
	Score   float32
}

// Searcher finds the top policy passage for a query; nil means no match.
type Searcher interface {
	Search(ctx context.Context, query string) (*SearchHit, error)
}

// Refiner answers a question from a retrieved passage.
type Refiner interface {
	Refine(ctx context.Context, query, passage string) (string, error)
}

type QnAOptions struct {
	Query string
}

// QnAResult is handed back to the calling step.
type QnAResult struct {
	Messages []Message
	Answer   string
	Found    bool
}

// QnADialog is the policy question sub-dialog: one search and one refinement.
type QnADialog struct {
	search  Searcher
	refine  Refiner
	timeout time.Duration
	log     *slog.Logger
}

func NewQnADialog(search Searcher, refine Refiner, timeout time.Duration, logger *slog.Logger) *QnADialog {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QnADialog{search: search, refine: refine, timeout: timeout, log: logger}
}

// Run performs the round trip and returns its messages to the caller.
func (q *QnADialog) Run(ctx context.Context, opts QnAOptions) QnAResult {
	if q == nil || q.search == nil {
		return answer(MsgSearchUnavailable, false)
	}
	hit, err := q.search.Search(ctx, opts.Query)
	if err != nil {
		q.log.Error("policy search failed", "query", opts.Query, "error", err)
		return answer(MsgSearchUnavailable, false)
	}
	if hit == nil || strings.TrimSpace(hit.Content) == "" {
		return answer(MsgNoPolicyMatch, false)
	}

	if q.refine != nil {
		rctx, cancel := context.WithTimeout(ctx, q.timeout)
		refined, err := q.refine.Refine(rctx, opts.Query, hit.Content)
		cancel()
		if err == nil && strings.TrimSpace(refined) != "" {
			return answer(strings.TrimSpace(refined), true)
		}
		if err != nil {
			q.log.Warn("answer refinement failed, returning passage", "error", err)
		}
	}
	return answer(passageAnswer(hit), true)
}

func passageAnswer(hit *SearchHit) string {
	src := firstNonEmpty(hit.Title, hit.Source)
	if src == "" {
		return strings.TrimSpace(hit.Content)
	}
	return "Here's what I found in " + src + ":\n\n" + strings.TrimSpace(hit.Content)
}

func answer(s string, found bool) QnAResult {
	return QnAResult{Messages: []Message{text(s)}, Answer: s, Found: found}
}
