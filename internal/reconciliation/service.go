// Package reconciliation compares ledger balances with on-chain token state.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/mgamer/indexer-v3-sub004/internal/alert"
	"github.com/mgamer/indexer-v3-sub004/internal/chain"
	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/metrics"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/normalizer"
)

const (
	defaultConcurrency = 8
	// MaxChecks bounds one run.
	MaxChecks = 500
)

var (
	ErrTooManyChecks = errors.New("too many reconciliation checks")
	ErrInvalidCheck  = errors.New("invalid reconciliation check")
)

// Check identifies one holding to verify. An empty Owner means an ERC-721
// token: the chain's ownerOf result is looked up in the ledger. A set Owner
// compares the ERC-1155 balanceOf(owner, id).
type Check struct {
	Contract string `json:"contract"`
	TokenID  string `json:"token_id"`
	Owner    string `json:"owner,omitempty"`
}

// Result is the outcome of one Check.
type Result struct {
	Contract       string    `json:"contract"`
	TokenID        string    `json:"token_id"`
	Owner          string    `json:"owner"`
	OnChainBalance string    `json:"on_chain_balance"`
	LedgerBalance  string    `json:"ledger_balance"`
	Difference     string    `json:"difference"`
	IsMatch        bool      `json:"is_match"`
	Error          string    `json:"error,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// RunResult aggregates one reconciliation run.
type RunResult struct {
	Chain      string    `json:"chain"`
	Network    string    `json:"network"`
	Block      int64     `json:"block"`
	Total      int       `json:"total"`
	Matched    int       `json:"matched"`
	Mismatched int       `json:"mismatched"`
	Errors     int       `json:"errors"`
	Results    []Result  `json:"results"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type BalanceReader interface {
	GetBalance(ctx context.Context, key model.BalanceKey) (*model.NFTBalance, error)
}

type Config struct {
	Chain       string
	Network     string
	Concurrency int
}

// Service checks ledger balances against read-only contract calls.
type Service struct {
	state    chain.StateReader
	balances BalanceReader
	alerter  alert.Alerter
	cfg      Config
	logger   *slog.Logger
	nowFn    func() time.Time
}

func NewService(state chain.StateReader, balances BalanceReader, alerter alert.Alerter, cfg Config, logger *slog.Logger) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	return &Service{
		state:    state,
		balances: balances,
		alerter:  alerter,
		cfg:      cfg,
		logger:   logger.With("component", "reconciliation"),
		nowFn:    time.Now,
	}
}

// Reconcile runs every check at block (chain.BlockLatest for the head). The
// ledger should be synced through block, otherwise in-flight transfers show
// up as mismatches. Per-check failures are reported in the result; only
// invalid input fails the run.
func (s *Service) Reconcile(ctx context.Context, checks []Check, block int64) (*RunResult, error) {
	if len(checks) > MaxChecks {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyChecks, len(checks), MaxChecks)
	}
	for i := range checks {
		checks[i].Contract = model.NormalizeAddress(checks[i].Contract)
		checks[i].Owner = model.NormalizeAddress(checks[i].Owner)
		if !common.IsHexAddress(checks[i].Contract) {
			return nil, fmt.Errorf("%w: check %d: invalid contract %q", ErrInvalidCheck, i, checks[i].Contract)
		}
		if checks[i].Owner != "" && !common.IsHexAddress(checks[i].Owner) {
			return nil, fmt.Errorf("%w: check %d: invalid owner %q", ErrInvalidCheck, i, checks[i].Owner)
		}
		if _, ok := new(big.Int).SetString(checks[i].TokenID, 10); !ok {
			return nil, fmt.Errorf("%w: check %d: invalid token id %q", ErrInvalidCheck, i, checks[i].TokenID)
		}
	}

	run := &RunResult{
		Chain:     s.cfg.Chain,
		Network:   s.cfg.Network,
		Block:     block,
		Total:     len(checks),
		Results:   make([]Result, len(checks)),
		StartedAt: s.nowFn(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, c := range checks {
		g.Go(func() error {
			run.Results[i] = s.checkOne(gctx, c, block)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, r := range run.Results {
		switch {
		case r.Error != "":
			run.Errors++
		case r.IsMatch:
			run.Matched++
		default:
			run.Mismatched++
		}
	}
	run.FinishedAt = s.nowFn()

	metrics.ReconciliationRunsTotal.WithLabelValues(s.cfg.Chain, s.cfg.Network).Inc()
	if run.Errors > 0 {
		metrics.ReconciliationErrorsTotal.WithLabelValues(s.cfg.Chain, s.cfg.Network).Add(float64(run.Errors))
	}
	if run.Mismatched > 0 {
		metrics.ReconciliationMismatchesTotal.WithLabelValues(s.cfg.Chain, s.cfg.Network).Add(float64(run.Mismatched))
		if err := s.alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeReconcileMismatch,
			Chain:   s.cfg.Chain,
			Network: s.cfg.Network,
			Title:   "Ledger reconciliation mismatch",
			Message: fmt.Sprintf("%d/%d holdings differ from chain state", run.Mismatched, run.Total),
			Fields: map[string]string{
				"matched":    fmt.Sprintf("%d", run.Matched),
				"mismatched": fmt.Sprintf("%d", run.Mismatched),
				"errors":     fmt.Sprintf("%d", run.Errors),
			},
		}); err != nil {
			s.logger.Warn("reconciliation alert failed", "error", err)
		}
	}

	s.logger.Info("reconciliation completed",
		"block", block,
		"total", run.Total,
		"matched", run.Matched,
		"mismatched", run.Mismatched,
		"errors", run.Errors,
	)
	return run, nil
}

func (s *Service) checkOne(ctx context.Context, c Check, block int64) Result {
	res := Result{Contract: c.Contract, TokenID: c.TokenID, Owner: c.Owner, CheckedAt: s.nowFn()}
	id, _ := new(big.Int).SetString(c.TokenID, 10)
	contract := common.HexToAddress(c.Contract)

	var onChain *big.Int
	if c.Owner == "" {
		v, err := s.call(ctx, contract, block, "ownerOf", id)
		if err != nil {
			return s.failed(res, err)
		}
		owner := v[0].(common.Address)
		if owner == (common.Address{}) {
			return s.failed(res, fmt.Errorf("token %s has no owner", c.TokenID))
		}
		res.Owner = strings.ToLower(owner.Hex())
		onChain = big.NewInt(1)
	} else {
		v, err := s.call(ctx, contract, block, "balanceOf", common.HexToAddress(c.Owner), id)
		if err != nil {
			return s.failed(res, err)
		}
		onChain = v[0].(*big.Int)
	}

	bal, err := s.balances.GetBalance(ctx, model.BalanceKey{Contract: c.Contract, TokenID: c.TokenID, Owner: res.Owner})
	if err != nil {
		return s.failed(res, fmt.Errorf("ledger balance: %w", err))
	}
	ledger := new(big.Int)
	if bal != nil {
		if _, ok := ledger.SetString(bal.Amount, 10); !ok {
			return s.failed(res, fmt.Errorf("ledger amount %q", bal.Amount))
		}
	}

	res.OnChainBalance = onChain.String()
	res.LedgerBalance = ledger.String()
	diff := new(big.Int).Sub(onChain, ledger)
	res.Difference = diff.String()
	res.IsMatch = diff.Sign() == 0
	return res
}

func (s *Service) failed(res Result, err error) Result {
	s.logger.Warn("reconciliation check failed", "contract", res.Contract, "token_id", res.TokenID, "error", err)
	res.Error = err.Error()
	return res
}

func (s *Service) call(ctx context.Context, contract common.Address, block int64, method string, args ...any) ([]any, error) {
	data, err := normalizer.TokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := s.state.CallContract(ctx, contract, data, block)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, contract.Hex(), err)
	}
	values, err := normalizer.TokenABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s returned nothing", method)
	}
	return values, nil
}
