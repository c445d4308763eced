package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/mr-tron/base58"

	"github.com/roach88/bridgekeeper/internal/bridge"
	"github.com/roach88/bridgekeeper/internal/bridgeerr"
	"github.com/roach88/bridgekeeper/internal/chain"
	"github.com/roach88/bridgekeeper/internal/consumer"
	"github.com/roach88/bridgekeeper/internal/ledger"
	"github.com/roach88/bridgekeeper/internal/proof"
	"github.com/roach88/bridgekeeper/internal/signer"
	"github.com/roach88/bridgekeeper/internal/store"
	"github.com/roach88/bridgekeeper/internal/testutil"
)

// Action names.
const (
	ActionCredit     = "credit"
	ActionSetCeiling = "set_ceiling"
	ActionBridgeOut  = "bridge_out"
	ActionChainEvent = "chain_event"
	ActionBalance    = "balance"
	ActionPool       = "pool"
)

// CaseOK completes reads and setup writes.
const CaseOK = "ok"

// CaseIssued completes a successful bridge_out.
const CaseIssued = "issued"

func knownAction(a string) bool {
	switch a {
	case ActionCredit, ActionSetCeiling, ActionBridgeOut, ActionChainEvent, ActionBalance, ActionPool:
		return true
	}
	return false
}

// Harness executes one scenario against its own store.
type Harness struct {
	store     *store.Store
	ledger    *ledger.Ledger
	authority *bridge.Authority
	consumer  *consumer.Consumer
	signer    *signer.Signer
	seq       int64
	logger    *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh database under a temporary directory.
//
// Execution flow:
// 1. Open a fresh store and load the fixed authority key
// 2. Execute setup steps (any failure aborts the run)
// 3. Execute flow steps, validating expect clauses
// 4. Evaluate assertions against the trace and final tables
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "bridge-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "scenario.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open scenario store: %w", err)
	}
	defer st.Close()

	sgn := signer.New()
	if !scenario.SignerUninitialized {
		if err := sgn.Initialize(testutil.TestSeed()); err != nil {
			return nil, fmt.Errorf("failed to load authority key: %w", err)
		}
	}

	clock := testutil.NewFrozenClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ceiling := ledger.DefaultPoolCeiling
	if scenario.DefaultCeiling != nil {
		ceiling = *scenario.DefaultCeiling
	}

	h := &Harness{
		store:  st,
		ledger: ledger.New(st.DB(), ledger.WithClock(clock.Now), ledger.WithDefaultCeiling(ceiling)),
		authority: bridge.NewAuthority(st, sgn,
			bridge.WithClock(clock.Now),
			bridge.WithIDGenerator(testutil.NewSequentialIDs("req")),
			bridge.WithLogger(logger),
		),
		consumer: consumer.New(st,
			consumer.WithClock(clock.Now),
			consumer.WithDefaultCeiling(ceiling),
			consumer.WithMaxAttempts(1),
			consumer.WithLogger(logger),
		),
		signer: sgn,
		logger: logger,
	}

	ctx := context.Background()
	result := NewResult()

	if err := h.executeSetup(ctx, scenario.Setup, result); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	actx := &AssertionContext{
		Store: st,
		Ctx:   ctx,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

func (h *Harness) next() int64 {
	h.seq++
	return h.seq
}

// executeSetup runs all setup steps. Setup establishes state, so any
// completion other than ok aborts the scenario.
func (h *Harness) executeSetup(ctx context.Context, setup []ActionStep, result *Result) error {
	for i, step := range setup {
		result.AddInvocationTrace(step.Action, step.Args, h.next())

		outputCase, out, err := h.execute(ctx, step.Action, step.Args)
		if err != nil {
			return fmt.Errorf("setup step %d: %w", i, err)
		}
		result.AddCompletionTrace(outputCase, out, h.next())

		if outputCase != CaseOK && outputCase != CaseIssued && outputCase != string(consumer.OutcomeCredited) {
			return fmt.Errorf("setup step %d (%s): completed with %s", i, step.Action, outputCase)
		}
	}
	return nil
}

// executeFlow runs all flow steps and validates expect clauses.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		result.AddInvocationTrace(step.Invoke, step.Args, h.next())

		outputCase, out, err := h.execute(ctx, step.Invoke, step.Args)
		if err != nil {
			return fmt.Errorf("flow step %d: %w", i, err)
		}
		result.AddCompletionTrace(outputCase, out, h.next())

		if step.Expect == nil {
			continue
		}
		if outputCase != step.Expect.Case {
			result.AddError(fmt.Sprintf("flow[%d] %s: expected case %s, got %s", i, step.Invoke, step.Expect.Case, outputCase))
			continue
		}
		for key, want := range step.Expect.Result {
			got, ok := out[key]
			if !ok {
				result.AddError(fmt.Sprintf("flow[%d] %s: result field %q missing", i, step.Invoke, key))
				continue
			}
			if !valuesEqual(got, want) {
				result.AddError(fmt.Sprintf("flow[%d] %s: result field %q = %v, expected %v", i, step.Invoke, key, got, want))
			}
		}

		h.logger.Info("flow step validated",
			"step", i,
			"action", step.Invoke,
			"case", outputCase,
		)
	}
	return nil
}

// execute runs one action. Domain failures are completions, not errors;
// the returned error is reserved for malformed steps and storage faults.
func (h *Harness) execute(ctx context.Context, action string, args map[string]any) (string, map[string]any, error) {
	switch action {
	case ActionCredit:
		holder, asset, amount, err := holderAssetAmount(args)
		if err != nil {
			return "", nil, err
		}
		balance, err := h.ledger.Credit(ctx, holder, asset, amount)
		if err != nil {
			return errorCompletion(err)
		}
		return CaseOK, map[string]any{"balance": balance}, nil

	case ActionSetCeiling:
		asset, err := argString(args, "asset")
		if err != nil {
			return "", nil, err
		}
		ceiling, err := argInt(args, "max_capacity")
		if err != nil {
			return "", nil, err
		}
		if err := h.ledger.SetCeiling(ctx, asset, ceiling); err != nil {
			return errorCompletion(err)
		}
		return CaseOK, map[string]any{"max_capacity": ceiling}, nil

	case ActionBridgeOut:
		return h.bridgeOut(ctx, args)

	case ActionChainEvent:
		return h.chainEvent(ctx, args)

	case ActionBalance:
		holder, err := argString(args, "holder")
		if err != nil {
			return "", nil, err
		}
		asset, err := argString(args, "asset")
		if err != nil {
			return "", nil, err
		}
		balance, err := h.ledger.Balance(ctx, holder, asset)
		if err != nil {
			return errorCompletion(err)
		}
		return CaseOK, map[string]any{"amount": balance}, nil

	case ActionPool:
		asset, err := argString(args, "asset")
		if err != nil {
			return "", nil, err
		}
		p, err := h.ledger.Pool(ctx, asset)
		if err != nil {
			return errorCompletion(err)
		}
		return CaseOK, map[string]any{"amount": p.Amount, "max_capacity": p.MaxCapacity}, nil

	default:
		return "", nil, fmt.Errorf("unknown action %q", action)
	}
}

func (h *Harness) bridgeOut(ctx context.Context, args map[string]any) (string, map[string]any, error) {
	holder, asset, amount, err := holderAssetAmount(args)
	if err != nil {
		return "", nil, err
	}
	requestID, _ := args["request_id"].(string)

	res, err := h.authority.RequestBridgeOut(ctx, bridge.Request{
		Holder:    holder,
		Asset:     asset,
		Amount:    amount,
		RequestID: requestID,
	})
	if err != nil {
		outputCase, out, ferr := errorCompletion(err)
		if ferr != nil {
			return "", nil, ferr
		}
		balance, berr := h.ledger.Balance(ctx, holder, asset)
		if berr != nil {
			return "", nil, berr
		}
		if out == nil {
			out = map[string]any{}
		}
		out["balance"] = balance
		return outputCase, out, nil
	}

	balance, err := h.ledger.Balance(ctx, holder, asset)
	if err != nil {
		return "", nil, err
	}
	return CaseIssued, map[string]any{
		"request_id": res.RequestID,
		"timestamp":  res.Timestamp,
		"replayed":   res.Replayed,
		"verified":   h.verify(holder, asset, amount, res),
		"balance":    balance,
	}, nil
}

// verify checks the issued signature against the canonical attestation
// bytes, as the verifying program would.
func (h *Harness) verify(holder, asset string, amount int64, res bridge.Result) bool {
	pub, err := h.signer.PublicIdentity()
	if err != nil {
		return false
	}
	holderBytes, err := base58.Decode(holder)
	if err != nil {
		return false
	}
	msg, err := proof.Encode(proof.Attestation{
		AssetID:  asset,
		Amount:   uint64(amount),
		Holder:   holderBytes,
		IssuedAt: res.Timestamp,
	})
	if err != nil {
		return false
	}
	return signer.Verify(res.Signature, msg, pub)
}

func (h *Harness) chainEvent(ctx context.Context, args map[string]any) (string, map[string]any, error) {
	asset, err := argString(args, "asset")
	if err != nil {
		return "", nil, err
	}
	amount, err := argInt(args, "amount")
	if err != nil {
		return "", nil, err
	}
	reference, _ := args["reference"].(string)
	counterparty, _ := args["counterparty"].(string)

	n := chain.Notification{
		Version:      chain.SchemaVersion,
		Kind:         chain.KindBridgedToIngame,
		AssetID:      asset,
		Amount:       amount,
		Counterparty: counterparty,
		Reference:    reference,
	}
	if _, ok := args["version"]; ok {
		v, err := argInt(args, "version")
		if err != nil {
			return "", nil, err
		}
		n.Version = int(v)
	}
	if kind, ok := args["kind"].(string); ok {
		n.Kind = kind
	}

	outcome, err := h.consumer.Process(ctx, n)
	if outcome == consumer.OutcomeFailed {
		return "", nil, fmt.Errorf("chain event %q: %w", reference, err)
	}

	p, perr := h.ledger.Pool(ctx, asset)
	switch {
	case perr == nil:
		return string(outcome), map[string]any{"pooled": p.Amount}, nil
	case errors.Is(perr, bridgeerr.NotFound):
		return string(outcome), nil, nil
	default:
		return "", nil, perr
	}
}

// errorCompletion turns a domain error into a completion case. Storage
// faults are returned as errors; a scenario cannot expect them.
func errorCompletion(err error) (string, map[string]any, error) {
	code := bridgeerr.CodeOf(err)
	if code == "" || code == bridgeerr.CodeStorageUnavailable {
		return "", nil, err
	}

	var be *bridgeerr.Error
	if errors.As(err, &be) && len(be.Details) > 0 {
		details := make(map[string]any, len(be.Details))
		for k, v := range be.Details {
			details[k] = v
		}
		return string(code), map[string]any{"details": details}, nil
	}
	return string(code), nil, nil
}

func holderAssetAmount(args map[string]any) (string, string, int64, error) {
	holder, err := argString(args, "holder")
	if err != nil {
		return "", "", 0, err
	}
	asset, err := argString(args, "asset")
	if err != nil {
		return "", "", 0, err
	}
	amount, err := argInt(args, "amount")
	if err != nil {
		return "", "", 0, err
	}
	return holder, asset, amount, nil
}

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing arg %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("arg %q: expected string, got %T", key, v)
	}
	return s, nil
}

func argInt(args map[string]any, key string) (int64, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("missing arg %q", key)
	}
	n, ok := toInt64(v)
	if !ok {
		return 0, fmt.Errorf("arg %q: expected integer, got %T", key, v)
	}
	return n, nil
}

// toInt64 accepts the integer forms YAML and JSON decoding produce.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
