package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"

	"github.com/roach88/bridgekeeper/internal/audit"
	"github.com/roach88/bridgekeeper/internal/ledger"
	"github.com/roach88/bridgekeeper/internal/proof"
	"github.com/roach88/bridgekeeper/internal/signer"
	"github.com/roach88/bridgekeeper/internal/store"
)

// AuditListOptions holds flags for audit list.
type AuditListOptions struct {
	*RootOptions
	Direction string
	Asset     string
	After     int64
	Limit     int
}

// RecordView is one audit record.
type RecordView struct {
	ID           int64  `json:"id"`
	Direction    string `json:"direction"`
	Asset        string `json:"asset"`
	Amount       int64  `json:"amount"`
	Counterparty string `json:"counterparty"`
	ExternalRef  string `json:"external_ref"`
	RequestID    string `json:"request_id,omitempty"`
	RecordedAt   string `json:"recorded_at"`
}

// NewAuditCommand creates the audit command group.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and verify the audit log",
	}
	cmd.AddCommand(newAuditListCommand(rootOpts))
	cmd.AddCommand(newAuditShowCommand(rootOpts))
	cmd.AddCommand(newAuditVerifyCommand(rootOpts))
	return cmd
}

func newAuditListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit records in insertion order",
		Long: `List audit records in insertion order. --after is an exclusive id cursor
for paging.

Example:
  bridged audit list --direction inbound --asset FIRE
  bridged audit list --after 100 --limit 50 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Direction, "direction", "", "only outbound or inbound records")
	cmd.Flags().StringVar(&opts.Asset, "asset", "", "only records for this asset")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only records with id greater than this")
	cmd.Flags().IntVar(&opts.Limit, "limit", audit.DefaultListLimit, "maximum records to list")

	return cmd
}

func runAuditList(opts *AuditListOptions, cmd *cobra.Command) error {
	dir := audit.Direction(opts.Direction)
	if dir != "" && !dir.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid direction %q: must be outbound or inbound", opts.Direction))
	}

	st, err := opts.openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	out := opts.formatter(cmd)
	records, err := audit.New(st.DB()).List(cmd.Context(), audit.Filter{
		Direction: dir,
		Asset:     opts.Asset,
		AfterID:   opts.After,
		Limit:     opts.Limit,
	})
	if err != nil {
		return out.Fail("audit query failed", err)
	}

	views := make([]RecordView, 0, len(records))
	var b strings.Builder
	fmt.Fprintf(&b, "%d record(s)", len(records))
	for _, rec := range records {
		v := recordView(rec)
		views = append(views, v)
		fmt.Fprintf(&b, "\n  #%d %-8s %-8s %10d  %s  %s", v.ID, v.Direction, v.Asset, v.Amount, v.Counterparty, v.ExternalRef)
	}
	return out.Success(views, b.String())
}

func recordView(rec audit.Record) RecordView {
	return RecordView{
		ID:           rec.ID,
		Direction:    string(rec.Direction),
		Asset:        rec.Asset,
		Amount:       rec.Amount,
		Counterparty: rec.Counterparty,
		ExternalRef:  rec.ExternalRef,
		RequestID:    rec.RequestID,
		RecordedAt:   rec.RecordedAt.UTC().Format(time.RFC3339),
	}
}

// AuditShowOptions holds flags for audit show.
type AuditShowOptions struct {
	*RootOptions
	Reference string
	RequestID string
	Inbound   bool
}

func newAuditShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the audit record for a chain reference or bridge request",
		Long: `Show one audit record, looked up by external reference or by bridge
request id. Exactly one of --ref and --request-id is required.

Example:
  bridged audit show --ref 5xSig --inbound
  bridged audit show --request-id 0190f3c2-...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditShow(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Reference, "ref", "", "external reference (chain signature or proof signature)")
	cmd.Flags().StringVar(&opts.RequestID, "request-id", "", "bridge request id")
	cmd.Flags().BoolVar(&opts.Inbound, "inbound", false, "with --ref, only match inbound records")

	return cmd
}

func runAuditShow(opts *AuditShowOptions, cmd *cobra.Command) error {
	if (opts.Reference == "") == (opts.RequestID == "") {
		return NewExitError(ExitCommandError, "exactly one of --ref or --request-id is required")
	}

	st, err := opts.openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	log := audit.New(st.DB())
	var rec audit.Record
	switch {
	case opts.RequestID != "":
		rec, err = log.FindByRequestID(cmd.Context(), opts.RequestID)
	case opts.Inbound:
		rec, err = log.FindInbound(cmd.Context(), opts.Reference)
	default:
		rec, err = log.FindByReference(cmd.Context(), opts.Reference)
	}

	out := opts.formatter(cmd)
	if err != nil {
		return out.Fail("audit lookup failed", err)
	}
	v := recordView(rec)
	text := fmt.Sprintf("#%d %s %s %d\n  counterparty: %s\n  reference:    %s\n  recorded:     %s",
		v.ID, v.Direction, v.Asset, v.Amount, v.Counterparty, v.ExternalRef, v.RecordedAt)
	if v.RequestID != "" {
		text += "\n  request:      " + v.RequestID
	}
	return out.Success(v, text)
}

// AuditVerifyOptions holds flags for audit verify.
type AuditVerifyOptions struct {
	*RootOptions
	KeyFile string
	Asset   string
}

// VerifyReport is the result of audit verify.
type VerifyReport struct {
	Checked  int             `json:"checked"`
	Verified int             `json:"verified"`
	Failures []VerifyFailure `json:"failures,omitempty"`
	Totals   []TotalsView    `json:"totals"`
}

// VerifyFailure names an outbound record whose proof did not verify.
type VerifyFailure struct {
	ID        int64  `json:"id"`
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

// TotalsView is the per-asset reconciliation line.
type TotalsView struct {
	Asset    string `json:"asset"`
	Outbound int64  `json:"outbound"`
	Inbound  int64  `json:"inbound"`
}

func newAuditVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditVerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify outbound proofs and print reconciliation totals",
		Long: `Re-encode every outbound record's attestation and verify its signature
against the authority key, then print per-asset outbound and inbound totals.

Exit codes:
  0 - every outbound proof verified
  1 - one or more proofs failed verification
  2 - command error

Example:
  bridged audit verify --key-file ./authority.json
  bridged audit verify --asset FIRE --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditVerify(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.KeyFile, "key-file", "", "file holding the authority key (overrides the environment)")
	cmd.Flags().StringVar(&opts.Asset, "asset", "", "only verify this asset")

	return cmd
}

func runAuditVerify(opts *AuditVerifyOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	sgn, err := loadSigner(opts.KeyFile, cfg.SecretKey)
	if err != nil {
		return err
	}
	pub, err := sgn.PublicIdentity()
	if err != nil {
		return WrapExitError(ExitCommandError, "authority key not loaded", err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	out := opts.formatter(cmd)
	report, err := verifyAudit(cmd.Context(), st, pub, opts.Asset)
	if err != nil {
		return out.Fail("audit verification failed", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Verified %d of %d outbound proof(s)", report.Verified, report.Checked)
	for _, f := range report.Failures {
		fmt.Fprintf(&b, "\n  ✗ #%d %s: %s", f.ID, f.RequestID, f.Reason)
	}
	b.WriteString("\nTotals:")
	for _, t := range report.Totals {
		fmt.Fprintf(&b, "\n  %-12s out %d  in %d", t.Asset, t.Outbound, t.Inbound)
	}
	if err := out.Success(report, b.String()); err != nil {
		return err
	}

	if len(report.Failures) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d proof(s) failed verification", len(report.Failures)))
	}
	return nil
}

// verifyAudit pages through outbound records, rebuilds each attestation from
// the request's issue timestamp and checks the stored signature.
func verifyAudit(ctx context.Context, st *store.Store, pub []byte, asset string) (*VerifyReport, error) {
	log := audit.New(st.DB())
	requests := ledger.New(st.DB())
	report := &VerifyReport{Totals: []TotalsView{}}
	assets := map[string]bool{}

	var after int64
	for {
		page, err := log.List(ctx, audit.Filter{Asset: asset, AfterID: after})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			after = rec.ID
			assets[rec.Asset] = true
			if rec.Direction != audit.Outbound {
				continue
			}
			report.Checked++
			if reason := verifyRecord(ctx, requests, rec, pub); reason != "" {
				report.Failures = append(report.Failures, VerifyFailure{ID: rec.ID, RequestID: rec.RequestID, Reason: reason})
				continue
			}
			report.Verified++
		}
	}

	names := make([]string, 0, len(assets))
	for a := range assets {
		names = append(names, a)
	}
	sort.Strings(names)
	for _, a := range names {
		t, err := log.Totals(ctx, a)
		if err != nil {
			return nil, err
		}
		report.Totals = append(report.Totals, TotalsView{Asset: t.Asset, Outbound: t.Outbound, Inbound: t.Inbound})
	}
	return report, nil
}

func verifyRecord(ctx context.Context, requests *ledger.Ledger, rec audit.Record, pub []byte) string {
	sig, err := base58.Decode(rec.ExternalRef)
	if err != nil {
		return "signature is not base58"
	}
	req, err := requests.FindRequest(ctx, rec.RequestID)
	if err != nil {
		return fmt.Sprintf("request lookup: %v", err)
	}
	holder, err := base58.Decode(rec.Counterparty)
	if err != nil {
		return "holder is not a base58 identity"
	}
	msg, err := proof.Encode(proof.Attestation{
		AssetID:  rec.Asset,
		Amount:   uint64(rec.Amount),
		Holder:   holder,
		IssuedAt: req.IssuedAt,
	})
	if err != nil {
		return fmt.Sprintf("encode attestation: %v", err)
	}
	if !signer.Verify(sig, msg, pub) {
		return "signature does not verify"
	}
	return ""
}
