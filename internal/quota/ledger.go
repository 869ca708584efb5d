// Package quota implements the token/credit accounting ledger (spec.md
// §4.C): atomic token debit under concurrency, plan lookup with caching, and
// append-only usage logging. Grounded on backend/services/token_billing.py.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/agent-orchestrator/infrastructure/logging"
	apperrors "github.com/R3E-Network/agent-orchestrator/infrastructure/errors"
	"github.com/R3E-Network/agent-orchestrator/infrastructure/metrics"
	"github.com/R3E-Network/agent-orchestrator/internal/coordination"
	"github.com/R3E-Network/agent-orchestrator/internal/domain"
	"github.com/R3E-Network/agent-orchestrator/pkg/supabase"
)

// UnlimitedSentinel is returned as tokens_remaining/credits_remaining for
// BYOK accounts, which are never debited (spec.md §4.C "BYOK plan exception").
const UnlimitedSentinel = -1

var errInsufficientTokens = errors.New("insufficient tokens")

// ConsumeResult is the outcome of a successful consume_tokens call.
type ConsumeResult struct {
	TokensConsumed   int64
	TokensRemaining  int64 // UnlimitedSentinel for BYOK
	CreditsRemaining int64 // UnlimitedSentinel for BYOK
	PlanID           domain.PlanID
}

// Ledger is the quota accounting component.
type Ledger struct {
	db     *supabase.Client
	coord  *coordination.Store
	logger *logging.Logger
	m      *metrics.Metrics
}

// New constructs a Ledger.
func New(db *supabase.Client, coord *coordination.Store, logger *logging.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{db: db, coord: coord, logger: logger, m: m}
}

// consumeTokensRPCArgs mirrors the Postgres function signature in
// internal/durable/migrations (consume_tokens_atomic), which performs the
// single conditional "UPDATE ... SET remaining = remaining - n WHERE
// remaining >= n" that spec.md §4.C requires. A non-atomic read-check-write
// fallback is intentionally not implemented (spec.md §9).
type consumeTokensRPCArgs struct {
	AccountID string `json:"p_account_id"`
	Tokens    int64  `json:"p_tokens"`
}

type consumeTokensRPCRow struct {
	Success             bool   `json:"success"`
	TokensRemaining     int64  `json:"tokens_remaining"`
	PlanID              string `json:"plan_id"`
}

// ConsumeTokens atomically debits tokens from an account's remaining quota
// and inserts a usage record. BYOK accounts are never debited.
func (l *Ledger) ConsumeTokens(ctx context.Context, accountID string, tokens int64, model, threadID, messageID string) (ConsumeResult, error) {
	if tokens <= 0 {
		return ConsumeResult{}, apperrors.InvalidInput("tokens", "must be > 0")
	}

	plan, err := l.getCachedPlan(ctx, accountID)
	if err != nil {
		return ConsumeResult{}, err
	}

	if plan == domain.PlanBYOK {
		if err := l.insertUsage(ctx, accountID, threadID, messageID, model, tokens, UnlimitedSentinel, l.estimateUpstreamCost(model, tokens)); err != nil {
			l.logger.WithContext(ctx).WithError(err).Warn("log BYOK usage")
		}
		return ConsumeResult{TokensConsumed: tokens, TokensRemaining: UnlimitedSentinel, CreditsRemaining: UnlimitedSentinel, PlanID: plan}, nil
	}

	var rows []consumeTokensRPCRow
	err = l.db.Rpc(ctx, "consume_tokens_atomic", consumeTokensRPCArgs{AccountID: accountID, Tokens: tokens}, &rows)
	if err != nil {
		return ConsumeResult{}, apperrors.DatabaseError("consume_tokens_atomic", err)
	}
	if len(rows) == 0 || !rows[0].Success {
		if l.m != nil {
			l.m.RecordQuotaRejected(string(plan))
		}
		remaining := int64(0)
		if len(rows) > 0 {
			remaining = rows[0].TokensRemaining
		}
		return ConsumeResult{}, fmt.Errorf("%w: remaining=%d requested=%d", errInsufficientTokens, remaining, tokens)
	}

	result := ConsumeResult{
		TokensConsumed:   tokens,
		TokensRemaining:  rows[0].TokensRemaining,
		CreditsRemaining: TokensToCredits(rows[0].TokensRemaining),
		PlanID:           plan,
	}
	if l.m != nil {
		l.m.RecordTokensConsumed(string(plan), tokens)
	}
	if err := l.insertUsage(ctx, accountID, threadID, messageID, model, tokens, result.TokensRemaining, 0); err != nil {
		l.logger.WithContext(ctx).WithError(err).Warn("log usage")
	}
	return result, nil
}

// IsInsufficientTokens reports whether err is the InsufficientTokens failure.
func IsInsufficientTokens(err error) bool { return errors.Is(err, errInsufficientTokens) }

func (l *Ledger) insertUsage(ctx context.Context, accountID, threadID, messageID, model string, tokens, remainingAfter int64, cost float64) error {
	record := domain.TokenUsageRecord{
		AccountID:            accountID,
		ThreadID:             threadID,
		MessageID:            messageID,
		Model:                model,
		TotalTokens:          tokens,
		TokensRemainingAfter: remainingAfter,
		EstimatedCost:        cost,
		CreatedAt:            time.Now().UTC(),
	}
	return l.db.From("token_usage_log").Insert(ctx, record)
}

// estimateUpstreamCost is the cost recorded for BYOK usage logging (spec.md
// §4.C). It checks PricingCacheKey in the coordination store but never parses
// the catalog, so it returns 0 on a hit and on a miss alike; nothing in this
// module writes that key.
func (l *Ledger) estimateUpstreamCost(model string, tokens int64) float64 {
	_, ok, err := l.coord.Get(context.Background(), coordination.PricingCacheKey())
	if err != nil || !ok {
		return 0
	}
	// Pricing catalog parsing is an external-collaborator concern (spec.md
	// §1 Non-goals: LLM provider wire protocols); a populated cache would be
	// parsed by the pricing-refresh job that writes it, not here.
	return 0
}

// GetUserTokenStatus returns the durable billing row's current standing.
func (l *Ledger) GetUserTokenStatus(ctx context.Context, accountID string) (domain.BillingCustomer, error) {
	var rows []domain.BillingCustomer
	err := l.db.From("billing_customers").Select("*").Eq("account_id", accountID).Execute(ctx, &rows)
	if err != nil {
		return domain.BillingCustomer{}, apperrors.DatabaseError("get_billing_customer", err)
	}
	if len(rows) == 0 {
		return domain.BillingCustomer{}, apperrors.NotFound("billing_customer", accountID)
	}
	return rows[0], nil
}

// ResetUserQuota restores remaining to the plan total and advances
// quota_resets_at by 30 days (spec.md §4.C).
func (l *Ledger) ResetUserQuota(ctx context.Context, accountID string) error {
	var rows []domain.BillingCustomer
	return l.db.Rpc(ctx, "reset_user_quota", map[string]string{"p_account_id": accountID}, &rows)
}

// getCachedPlan reads the 5-minute TTL plan cache, falling back to the
// durable billing row on a miss (spec.md §4.A "user_plan:{account_id}").
func (l *Ledger) getCachedPlan(ctx context.Context, accountID string) (domain.PlanID, error) {
	if cached, ok, err := l.coord.Get(ctx, coordination.UserPlanKey(accountID)); err == nil && ok {
		return domain.PlanID(cached), nil
	}

	status, err := l.GetUserTokenStatus(ctx, accountID)
	if err != nil {
		return "", err
	}
	_ = l.coord.SetWithTTL(ctx, coordination.UserPlanKey(accountID), string(status.PlanID), 5*time.Minute)
	return status.PlanID, nil
}

// TokensToCredits floors a token count down to the display-credit unit
// (spec.md GLOSSARY: 1 credit ≈ 5,000 tokens, floor division).
func TokensToCredits(tokens int64) int64 {
	if tokens == UnlimitedSentinel {
		return UnlimitedSentinel
	}
	if tokens < 0 {
		tokens = 0
	}
	return tokens / domain.TokensPerCredit
}
