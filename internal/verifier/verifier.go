// Package verifier orchestrates the adversarial adjudication pipeline:
// guard, ledger lookup, web context, generation, bounded critic loop,
// judge quorum, and ledger store on grant.
//
// Verify never fails: every internal error maps to a structured refusal.
// The only non-nil error it returns is the caller's own context error, in
// which case the response is discarded and nothing is written to the ledger.
package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ceti-ai/ceti/internal/critic"
	"github.com/ceti-ai/ceti/internal/guard"
	"github.com/ceti-ai/ceti/internal/integrity"
	"github.com/ceti-ai/ceti/internal/ledger"
	"github.com/ceti-ai/ceti/internal/model"
	"github.com/ceti-ai/ceti/internal/oracle"
	"github.com/ceti-ai/ceti/internal/telemetry"
	"github.com/ceti-ai/ceti/internal/webctx"
)

// Refusal content strings. These are part of the wire surface; clients match
// on them.
const (
	refusalGaming      = "Query rejected — potential governance gaming detected."
	refusalInstability = "Authorization denied — oracle instability."
	refusalUnsafe      = "Authorization denied — output not safe for action."
)

// Canonical requirements_for_certification strings per refusal path.
const (
	requireCleanQuery = "Submit a query free of instruction-override or persona-hijack phrasing, within the length limit."
	requireStability  = "The answer must survive a full adversarial round without revision before certification is possible."
	requireQuorum     = "A strict supermajority of independent judges must accept the final answer."
)

// generationMaxTokens bounds every oracle completion in the pipeline.
const generationMaxTokens = 500

// Params is the static pipeline configuration.
type Params struct {
	GeneratorModel string
	CriticModel    string
	JudgeModels    []string
	MaxRounds      int
	LedgerTTL      time.Duration
}

// Verifier runs the adjudication pipeline. All dependencies are injected;
// the zero value is not usable.
type Verifier struct {
	params   Params
	guard    *guard.Guard
	ledger   *ledger.Ledger
	fetcher  webctx.Fetcher
	oracle   oracle.Client
	selector *critic.Selector
	now      func() time.Time
	logger   *slog.Logger

	verdicts metric.Int64Counter
	rounds   metric.Int64Histogram
}

// New creates a Verifier. ledger may be nil when no index is configured;
// lookups then always miss and grants are not cached. now defaults to
// time.Now when nil.
func New(params Params, g *guard.Guard, l *ledger.Ledger, fetcher webctx.Fetcher, client oracle.Client, selector *critic.Selector, now func() time.Time, logger *slog.Logger) *Verifier {
	if now == nil {
		now = time.Now
	}
	meter := telemetry.Meter("ceti/verifier")
	verdicts, _ := meter.Int64Counter("ceti.verdicts",
		metric.WithDescription("Terminal adjudication outcomes"),
	)
	rounds, _ := meter.Int64Histogram("ceti.adversarial.rounds",
		metric.WithDescription("Adversarial rounds completed per adjudication"),
	)
	return &Verifier{
		params:   params,
		guard:    g,
		ledger:   l,
		fetcher:  fetcher,
		oracle:   client,
		selector: selector,
		now:      now,
		logger:   logger,
		verdicts: verdicts,
		rounds:   rounds,
	}
}

// verdictAccept reports whether oracle content contains the literal accept
// token, case-insensitively. A bare "ACCEPT" does not count.
func verdictAccept(content string) bool {
	return strings.Contains(strings.ToUpper(content), acceptToken)
}

// Verify adjudicates one query at the given tier. The returned error is
// non-nil only when ctx is done; every other failure is a DENIED response.
func (v *Verifier) Verify(ctx context.Context, query string, tier model.RiskTier) (model.Response, error) {
	// Guard. Pure, no oracle calls.
	if blocked, reason := v.guard.Check(query); blocked {
		v.logger.Info("verifier: guard block", "reason", reason, "risk_tier", tier)
		resp := model.Denied(refusalGaming, model.RefusalDiagnostics{
			FailureType:                  model.FailureGamingSuspicion,
			Details:                      model.Truncate(reason),
			RequirementsForCertification: requireCleanQuery,
		})
		resp.Meta.Source = "guard"
		v.record(ctx, resp, 0)
		return resp, nil
	}

	// Ledger lookup. The probe embedding is reused for the store.
	var probe ledger.Probe
	if v.ledger != nil {
		var hit *model.Response
		hit, probe = v.ledger.Lookup(ctx, query, tier)
		if hit != nil {
			v.record(ctx, *hit, 0)
			return *hit, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return model.Response{}, err
	}

	// Web context is best-effort; the fetcher degrades to "" on failure.
	webContext := v.fetcher.Fetch(ctx, query)

	var transcript model.Transcript
	transcript.Append(model.RoleUser, "", query, 0)

	// Initial generation.
	answer, err := v.oracle.Complete(ctx, v.params.GeneratorModel, []oracle.Message{
		{Role: "system", Content: generatorSystemPrompt},
		{Role: "user", Content: generationPrompt(webContext, query)},
	}, generationMaxTokens)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.Response{}, ctxErr
		}
		return v.instability(ctx, err, 0), nil
	}
	transcript.Append(model.RoleAssistant, v.params.GeneratorModel, answer, 0)

	// Adversarial loop. Strictly sequential: each turn depends on the last.
	consensus := false
	roundsCompleted := 0
	lastCritique := ""
	for round := 1; round <= v.params.MaxRounds; round++ {
		roundsCompleted = round
		persona := v.selector.Select(round)

		critique, err := v.oracle.Complete(ctx, v.params.CriticModel, []oracle.Message{
			{Role: "system", Content: persona.SystemPrompt},
			{Role: "user", Content: criticPrompt(query, answer)},
		}, generationMaxTokens)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return model.Response{}, ctxErr
			}
			// Fail-closed: a critic the pipeline cannot hear counts as a reject.
			critique = "VERDICT: REJECT (critic unavailable: " + string(oracle.ClassOf(err)) + ")"
		}
		transcript.Append(model.RoleCritic, persona.ID, critique, round)
		lastCritique = critique

		if verdictAccept(critique) {
			consensus = true
			break
		}

		revised, err := v.oracle.Complete(ctx, v.params.GeneratorModel, []oracle.Message{
			{Role: "system", Content: generatorSystemPrompt},
			{Role: "user", Content: defensePrompt(query, answer, critique)},
		}, generationMaxTokens)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return model.Response{}, ctxErr
			}
			// The stale answer faces the next round's critic unchanged.
			v.logger.Warn("verifier: defense failed, keeping answer",
				"round", round, "error_class", oracle.ClassOf(err))
			continue
		}
		answer = revised
		transcript.Append(model.RoleAssistant, v.params.GeneratorModel, answer, round)
	}

	if !consensus {
		v.logger.Info("verifier: no critic consensus", "rounds", roundsCompleted, "risk_tier", tier)
		resp := model.Denied(refusalUnsafe, model.RefusalDiagnostics{
			FailureType:                  model.FailureInstability,
			Details:                      model.Truncate(lastCritique),
			RequirementsForCertification: requireStability,
		})
		resp.Meta.Source = "thunderdome"
		resp.Meta.RoundsCompleted = roundsCompleted
		resp.Meta.TranscriptHash = integrity.TranscriptHash(transcript.Turns())
		resp.Meta.AgentsUsed = v.agentsUsed(false)
		v.record(ctx, resp, roundsCompleted)
		return resp, nil
	}

	// Quorum vote: one call per judge, in parallel. Errors and empty content
	// count as rejects; the join must not fail on a single judge.
	accepts, judgeContents, err := v.quorum(ctx, query, answer)
	if err != nil {
		return model.Response{}, err
	}
	for i, m := range v.params.JudgeModels {
		transcript.Append(model.RoleJudge, m, judgeContents[i], roundsCompleted)
	}

	n := len(v.params.JudgeModels)
	needed := (2*n)/3 + 1
	transcriptHash := integrity.TranscriptHash(transcript.Turns())

	if accepts < needed {
		v.logger.Info("verifier: quorum rejected",
			"accepts", accepts, "needed", needed, "judges", n, "risk_tier", tier)
		resp := model.Denied(refusalUnsafe, model.RefusalDiagnostics{
			FailureType:                  model.FailureInstability,
			Details:                      fmt.Sprintf("judge quorum rejected the answer (%d/%d accepts, %d required)", accepts, n, needed),
			RequirementsForCertification: requireQuorum,
		})
		resp.Meta.Source = "thunderdome"
		resp.Meta.RoundsCompleted = roundsCompleted
		resp.Meta.TranscriptHash = transcriptHash
		resp.Meta.JudgeAccepts = accepts
		resp.Meta.JudgeTotal = n
		resp.Meta.AgentsUsed = v.agentsUsed(true)
		v.record(ctx, resp, roundsCompleted)
		return resp, nil
	}

	issuedAt := v.now()
	certID := integrity.CertificationID(transcriptHash)
	resp := model.Response{
		Authorization:   model.AuthorizationGranted,
		ResponseContent: answer,
		Scope: &model.AuthorizationScope{
			ContextHash:     integrity.ContextHash(query),
			TemporalBounds:  model.TemporalBounds(issuedAt, v.params.LedgerTTL),
			ActionClass:     model.ActionClassFor(tier),
			RiskTierApplied: tier,
		},
		CertificationID: certID,
		Meta: model.Meta{
			Source:          "thunderdome",
			RoundsCompleted: roundsCompleted,
			TranscriptHash:  transcriptHash,
			JudgeAccepts:    accepts,
			JudgeTotal:      n,
			AgentsUsed:      v.agentsUsed(true),
		},
	}

	if v.ledger != nil {
		v.ledger.Store(ctx, query, tier, resp, probe)
	}

	v.logger.Info("verifier: granted",
		"certification_id", certID,
		"rounds", roundsCompleted,
		"accepts", accepts,
		"judges", n,
		"risk_tier", tier)
	v.record(ctx, resp, roundsCompleted)
	return resp, nil
}

// quorum fans out one judge call per configured model and joins the results.
// Returned contents are indexed by the configured judge order so transcript
// appends stay deterministic regardless of completion order.
func (v *Verifier) quorum(ctx context.Context, query, answer string) (int, []string, error) {
	n := len(v.params.JudgeModels)
	contents := make([]string, n)
	acceptsBy := make([]bool, n)

	g, gctx := errgroup.WithContext(ctx)
	for i, judgeModel := range v.params.JudgeModels {
		g.Go(func() error {
			content, err := v.oracle.Complete(gctx, judgeModel, []oracle.Message{
				{Role: "system", Content: judgeSystemPrompt},
				{Role: "user", Content: judgePrompt(query, answer)},
			}, generationMaxTokens)
			if err != nil {
				v.logger.Warn("verifier: judge failed, counted as reject",
					"judge", judgeModel, "error_class", oracle.ClassOf(err))
				contents[i] = "VERDICT: REJECT (judge unavailable: " + string(oracle.ClassOf(err)) + ")"
				return nil
			}
			contents[i] = content
			acceptsBy[i] = verdictAccept(content)
			return nil
		})
	}
	// Goroutines never return errors; Wait is a pure join.
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	accepts := 0
	for _, ok := range acceptsBy {
		if ok {
			accepts++
		}
	}
	return accepts, contents, nil
}

// agentsUsed lists the model identities that participated.
func (v *Verifier) agentsUsed(judged bool) []string {
	agents := []string{v.params.GeneratorModel, v.params.CriticModel}
	if judged {
		agents = append(agents, v.params.JudgeModels...)
	}
	return agents
}

// record emits the verdict counter and rounds histogram.
func (v *Verifier) record(ctx context.Context, resp model.Response, rounds int) {
	attrs := []attribute.KeyValue{
		attribute.String("authorization", string(resp.Authorization)),
		attribute.String("source", resp.Meta.Source),
	}
	if resp.RefusalDiagnostics != nil {
		attrs = append(attrs, attribute.String("failure_type", string(resp.RefusalDiagnostics.FailureType)))
	}
	v.verdicts.Add(ctx, 1, metric.WithAttributes(attrs...))
	if rounds > 0 {
		v.rounds.Record(ctx, int64(rounds))
	}
}

// instability maps an oracle failure to the standard infrastructure refusal.
// Details carry only the error class, never provider text.
func (v *Verifier) instability(ctx context.Context, err error, rounds int) model.Response {
	class := oracle.ClassOf(err)
	v.logger.Warn("verifier: oracle failure", "error_class", class, "error", err)
	resp := model.Denied(refusalInstability, model.RefusalDiagnostics{
		FailureType: model.FailureInstability,
		Details:     string(class),
	})
	resp.Meta.Source = "thunderdome"
	resp.Meta.RoundsCompleted = rounds
	v.record(ctx, resp, rounds)
	return resp
}
