package generate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/omnichat/backend/internal/ai"
	"github.com/omnichat/backend/internal/chat"
	"github.com/omnichat/backend/internal/eventlog"
)

// Runner executes one generation cycle per job: start event, provider
// fragments as chunk events, exactly one terminal event. A cycle that the
// process abandons without a terminal is closed later by the Supervisor.
type Runner struct {
	repo      *chat.Repo
	journal   *Journal
	registry  *ai.Registry
	canceller Canceller
	tokens    TokenCounter

	contextWindow int
	cycleTimeout  time.Duration
}

func NewRunner(repo *chat.Repo, journal *Journal, registry *ai.Registry, canceller Canceller, tokens TokenCounter, contextWindow int, cycleTimeout time.Duration) *Runner {
	if contextWindow <= 0 || contextWindow > 100 {
		contextWindow = 20
	}
	if cycleTimeout <= 0 {
		cycleTimeout = 5 * time.Minute
	}
	return &Runner{
		repo:          repo,
		journal:       journal,
		registry:      registry,
		canceller:     canceller,
		tokens:        tokens,
		contextWindow: contextWindow,
		cycleTimeout:  cycleTimeout,
	}
}

// Run processes the job with the given id. The returned error reports
// worker-level failure (job should be redelivered); provider failures are
// recorded in the log and are not errors here.
//
// Every append after the start event carries the cycle's last known
// offset. A write conflict means the supervisor closed the cycle while
// this worker was still streaming; the worker stops without appending
// another terminal.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	_ = r.repo.UpdateJobStatusRunning(ctx, jobID)

	job, err := r.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job %s: %w", jobID, err)
	}

	cctx, cancel := context.WithTimeout(ctx, r.cycleTimeout)
	defer cancel()

	msgID, last, err := r.journal.StartCycle(cctx, job)
	if err != nil {
		_ = r.repo.MarkJobFailed(ctx, jobID, err.Error())
		return fmt.Errorf("start cycle job=%s: %w", jobID, err)
	}

	lost := func(stage string) {
		log.Printf("cycle lost to another writer chat=%s job=%s stage=%s", job.ChatID, job.ID, stage)
	}

	provider, err := r.registry.Get(cctx, job.Provider, job.Model)
	if err != nil {
		_, ferr := r.journal.Fail(cctx, job.ChatID, job.ID, msgID, last, err.Error())
		if errors.Is(ferr, eventlog.ErrWriteConflict) {
			lost("fail")
			return nil
		}
		return ferr
	}

	history, err := r.providerContext(cctx, job)
	if err != nil {
		_, ferr := r.journal.Fail(cctx, job.ChatID, job.ID, msgID, last, "failed to load conversation")
		if errors.Is(ferr, eventlog.ErrWriteConflict) {
			lost("fail")
			return nil
		}
		if ferr != nil {
			return ferr
		}
		return err
	}

	cancelCh, release := r.canceller.Watch(cctx, job.ChatID, job.ID)
	defer release()

	chunks, provErrs := provider.StreamChat(cctx, history, ai.Options{SearchEnabled: job.SearchEnabled})

	var full strings.Builder
	seq := 0

	for {
		select {
		case <-cancelCh:
			if _, err := r.journal.Terminate(ctx, job.ChatID, job.ID, msgID, last, "stopped by user", full.String()); err != nil {
				if errors.Is(err, eventlog.ErrWriteConflict) {
					lost("terminate")
					return nil
				}
				return fmt.Errorf("terminate job=%s: %w", jobID, err)
			}
			log.Printf("cycle terminated chat=%s job=%s chunks=%d", job.ChatID, job.ID, seq)
			return nil

		case <-cctx.Done():
			if errors.Is(cctx.Err(), context.DeadlineExceeded) {
				reason := fmt.Sprintf("generation timed out after %s", r.cycleTimeout)
				_, ferr := r.journal.Fail(ctx, job.ChatID, job.ID, msgID, last, reason)
				if errors.Is(ferr, eventlog.ErrWriteConflict) {
					lost("fail")
					return nil
				}
				return ferr
			}
			// shutdown: leave the cycle open for the supervisor
			return cctx.Err()

		case err, ok := <-provErrs:
			if !ok {
				provErrs = nil
				continue
			}
			if err != nil {
				if _, ferr := r.journal.Fail(cctx, job.ChatID, job.ID, msgID, last, err.Error()); ferr != nil {
					if errors.Is(ferr, eventlog.ErrWriteConflict) {
						lost("fail")
						return nil
					}
					return fmt.Errorf("record provider error job=%s: %w", jobID, ferr)
				}
				log.Printf("cycle failed chat=%s job=%s chunks=%d err=%v", job.ChatID, job.ID, seq, err)
				return nil
			}

		case delta, ok := <-chunks:
			if !ok {
				// stream ended; an error, if any, is already buffered
				if provErrs != nil {
					if perr := <-provErrs; perr != nil {
						if _, ferr := r.journal.Fail(cctx, job.ChatID, job.ID, msgID, last, perr.Error()); ferr != nil {
							if errors.Is(ferr, eventlog.ErrWriteConflict) {
								lost("fail")
								return nil
							}
							return fmt.Errorf("record provider error job=%s: %w", jobID, ferr)
						}
						log.Printf("cycle failed chat=%s job=%s chunks=%d err=%v", job.ChatID, job.ID, seq, perr)
						return nil
					}
				}
				tokens := r.tokens.Count(full.String())
				if _, err := r.journal.Complete(cctx, job.ChatID, job.ID, msgID, last, seq, tokens, full.String()); err != nil {
					if errors.Is(err, eventlog.ErrWriteConflict) {
						lost("complete")
						return nil
					}
					return fmt.Errorf("complete job=%s: %w", jobID, err)
				}
				log.Printf("cycle complete chat=%s job=%s chunks=%d tokens=%d", job.ChatID, job.ID, seq, tokens)
				return nil
			}
			seq++
			full.WriteString(delta)
			off, err := r.journal.AppendChunk(cctx, job.ChatID, job.ID, msgID, last, seq, delta, full.String())
			if err != nil {
				if errors.Is(err, eventlog.ErrWriteConflict) {
					lost("chunk")
					return nil
				}
				if _, ferr := r.journal.Fail(cctx, job.ChatID, job.ID, msgID, last, "internal error while recording output"); ferr != nil {
					return fmt.Errorf("append chunk job=%s: %w", jobID, err)
				}
				return nil
			}
			last = off
		}
	}
}

// providerContext builds the model conversation from recent history,
// oldest first. The failed and stopped assistant replies are skipped; a
// stopped reply's partial text would otherwise leak into the prompt.
func (r *Runner) providerContext(ctx context.Context, job *chat.Job) ([]ai.Message, error) {
	recentDesc, err := r.repo.ListRecentMessagesDesc(ctx, job.UserID, job.ChatID, r.contextWindow)
	if err != nil {
		return nil, err
	}

	msgs := make([]ai.Message, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		if m.Role == "assistant" && m.Status != chat.StatusComplete {
			continue
		}
		msgs = append(msgs, ai.Message{Role: m.Role, Content: m.Content})
	}
	if len(msgs) == 0 {
		return nil, errors.New("empty conversation")
	}
	return msgs, nil
}
