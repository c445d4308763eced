package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"

	"github.com/roach88/bridgekeeper/internal/bridge"
	"github.com/roach88/bridgekeeper/internal/ledger"
	"github.com/roach88/bridgekeeper/internal/store"
)

// openStore opens the configured database.
func (o *RootOptions) openStore(cmd *cobra.Command) (*store.Store, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	o.formatter(cmd).VerboseLog("opened %s", cfg.DBPath)
	return st, nil
}

func parseAmount(arg string) (int64, error) {
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, WrapExitError(ExitCommandError, fmt.Sprintf("invalid amount %q", arg), err)
	}
	return n, nil
}

// BalanceView is one holder balance.
type BalanceView struct {
	Holder string `json:"holder"`
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

// NewCreditCommand creates the credit command.
func NewCreditCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "credit <holder> <asset> <amount>",
		Short: "Grant in-game balance to a holder",
		Long: `Credit an in-game balance, as the game does when a player earns an asset.

Example:
  bridged credit 4vJ9JU1bJJE96FWSJKvHsmmFADCg4gpZQff4P3bkLKi FIRE 1000`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[2])
			if err != nil {
				return err
			}
			st, err := rootOpts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			out := rootOpts.formatter(cmd)
			balance, err := ledger.New(st.DB()).Credit(cmd.Context(), args[0], args[1], amount)
			if err != nil {
				return out.Fail("credit failed", err)
			}
			view := BalanceView{Holder: args[0], Asset: args[1], Amount: balance}
			return out.Success(view, fmt.Sprintf("%s %s balance: %d", view.Holder, view.Asset, view.Amount))
		},
	}
}

// NewBalanceCommand creates the balance command.
func NewBalanceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <holder> [asset]",
		Short: "Show a holder's balances",
		Long: `Show a holder's balance of one asset, or of every asset it holds.

Example:
  bridged balance 4vJ9JU1bJJE96FWSJKvHsmmFADCg4gpZQff4P3bkLKi
  bridged balance 4vJ9JU1bJJE96FWSJKvHsmmFADCg4gpZQff4P3bkLKi FIRE --format json`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := rootOpts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			out := rootOpts.formatter(cmd)
			l := ledger.New(st.DB())
			holder := args[0]

			if len(args) == 2 {
				amount, err := l.Balance(cmd.Context(), holder, args[1])
				if err != nil {
					return out.Fail("balance query failed", err)
				}
				view := BalanceView{Holder: holder, Asset: args[1], Amount: amount}
				return out.Success(view, fmt.Sprintf("%s %s balance: %d", holder, view.Asset, amount))
			}

			balances, err := l.Balances(cmd.Context(), holder)
			if err != nil {
				return out.Fail("balance query failed", err)
			}
			views := make([]BalanceView, 0, len(balances))
			var b strings.Builder
			fmt.Fprintf(&b, "Balances for %s:", holder)
			for _, bal := range balances {
				views = append(views, BalanceView{Holder: bal.Holder, Asset: bal.Asset, Amount: bal.Amount})
				fmt.Fprintf(&b, "\n  %-12s %d", bal.Asset, bal.Amount)
			}
			if len(balances) == 0 {
				b.WriteString("\n  (none)")
			}
			return out.Success(views, b.String())
		},
	}
}

// PoolView is one pool's state.
type PoolView struct {
	Asset       string `json:"asset"`
	Amount      int64  `json:"amount"`
	MaxCapacity int64  `json:"max_capacity"`
	Headroom    int64  `json:"headroom"`
}

func poolView(p ledger.Pool) PoolView {
	return PoolView{Asset: p.Asset, Amount: p.Amount, MaxCapacity: p.MaxCapacity, Headroom: p.Headroom()}
}

// NewPoolCommand creates the pool command group.
func NewPoolCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect and configure asset pools",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <asset> <max-capacity>",
		Short: "Set an asset pool's ceiling",
		Long: `Set the maximum capacity of an asset pool, creating the pool if needed.
Lowering the ceiling below the pooled amount blocks further credits but
never removes pooled value.

Example:
  bridged pool set FIRE 500000`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ceiling, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			st, err := rootOpts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			out := rootOpts.formatter(cmd)
			l := ledger.New(st.DB())
			if err := l.SetCeiling(cmd.Context(), args[0], ceiling); err != nil {
				return out.Fail("set ceiling failed", err)
			}
			p, err := l.Pool(cmd.Context(), args[0])
			if err != nil {
				return out.Fail("pool query failed", err)
			}
			view := poolView(p)
			return out.Success(view, fmt.Sprintf("%s pool: %d / %d", view.Asset, view.Amount, view.MaxCapacity))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show [asset]",
		Short: "Show one pool or all pools",
		Args:  cobra.MaximumNArgs(1),
		Example: `  bridged pool show
  bridged pool show FIRE`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := rootOpts.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			out := rootOpts.formatter(cmd)
			l := ledger.New(st.DB())

			if len(args) == 1 {
				p, err := l.Pool(cmd.Context(), args[0])
				if err != nil {
					return out.Fail("pool query failed", err)
				}
				view := poolView(p)
				return out.Success(view, fmt.Sprintf("%s pool: %d / %d", view.Asset, view.Amount, view.MaxCapacity))
			}

			pools, err := l.Pools(cmd.Context())
			if err != nil {
				return out.Fail("pool query failed", err)
			}
			views := make([]PoolView, 0, len(pools))
			var b strings.Builder
			b.WriteString("Pools:")
			for _, p := range pools {
				v := poolView(p)
				views = append(views, v)
				fmt.Fprintf(&b, "\n  %-12s %d / %d", v.Asset, v.Amount, v.MaxCapacity)
			}
			if len(pools) == 0 {
				b.WriteString("\n  (none)")
			}
			return out.Success(views, b.String())
		},
	})

	return cmd
}

// BridgeOutOptions holds flags for the bridge-out command.
type BridgeOutOptions struct {
	*RootOptions
	KeyFile   string
	RequestID string
}

// ProofView is an issued burn proof.
type ProofView struct {
	RequestID string `json:"request_id"`
	Holder    string `json:"holder"`
	Asset     string `json:"asset"`
	Amount    int64  `json:"amount"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"` // base58
	Replayed  bool   `json:"replayed"`
}

// NewBridgeOutCommand creates the bridge-out command.
func NewBridgeOutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BridgeOutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "bridge-out <holder> <asset> <amount>",
		Short: "Debit a holder and issue a burn proof",
		Long: `Debit an in-game balance and print the signed burn proof.

Passing the same --request-id again returns the stored proof without a
second debit.

Example:
  bridged bridge-out 4vJ9JU1bJJE96FWSJKvHsmmFADCg4gpZQff4P3bkLKi FIRE 400 --key-file ./authority.json
  bridged bridge-out 4vJ9JU1bJJE96FWSJKvHsmmFADCg4gpZQff4P3bkLKi FIRE 400 --request-id order-17`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridgeOut(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.KeyFile, "key-file", "", "file holding the authority key (overrides the environment)")
	cmd.Flags().StringVar(&opts.RequestID, "request-id", "", "idempotency key for retries")

	return cmd
}

func runBridgeOut(opts *BridgeOutOptions, args []string, cmd *cobra.Command) error {
	amount, err := parseAmount(args[2])
	if err != nil {
		return err
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	sgn, err := loadSigner(opts.KeyFile, cfg.SecretKey)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	logger, err := opts.newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid log level", err)
	}

	out := opts.formatter(cmd)
	authority := bridge.NewAuthority(st, sgn, bridge.WithLogger(logger))
	res, err := authority.RequestBridgeOut(cmd.Context(), bridge.Request{
		Holder:    args[0],
		Asset:     args[1],
		Amount:    amount,
		RequestID: opts.RequestID,
	})
	if err != nil {
		return out.Fail("bridge-out refused", err)
	}

	view := ProofView{
		RequestID: res.RequestID,
		Holder:    args[0],
		Asset:     args[1],
		Amount:    amount,
		Timestamp: res.Timestamp,
		Signature: base58.Encode(res.Signature),
		Replayed:  res.Replayed,
	}
	text := fmt.Sprintf("Burn proof for %d %s\n  request:   %s\n  timestamp: %d\n  signature: %s",
		view.Amount, view.Asset, view.RequestID, view.Timestamp, view.Signature)
	if view.Replayed {
		text += "\n  (replayed)"
	}
	return out.Success(view, text)
}
