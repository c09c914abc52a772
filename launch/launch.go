// Package launch is the request-level state machine tying the relay
// together: it validates a submission, reserves credits, leases a sequence
// account, audits authorization, simulates or trusts the provided envelope,
// wraps the result in a sponsor-paid fee bump, submits it, and reconciles
// the token's balance against what the network actually charged.
package launch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"

	"github.com/stellar/launchtube/metrics"
	"github.com/stellar/launchtube/soroban"
)

// DefaultEagerCredits is the flat hold taken before any work begins, as a
// spam deterrent. It is converted into the fee-bump bid once that is known;
// requests that fail before then forfeit it.
const DefaultEagerCredits = 100_000

// submitWindow bounds how far into the future a transaction may remain
// valid. It matches the confirmation polling budget: a transaction the relay
// has stopped polling for must not still be submittable.
const submitWindow = 30 * time.Second

// Sequencer leases sequence accounts.
type Sequencer interface {
	Acquire() (*keypair.Full, error)
	Release(kp *keypair.Full) error
}

// Ledger is the credit ledger's spend surface.
type Ledger interface {
	SpendBefore(id string, amount, refund int64) (int64, error)
	SpendAfter(id, txHash string, amount, refund int64) (int64, error)
}

// Gateway is the network RPC surface.
type Gateway interface {
	GetAccount(ctx context.Context, accountID string) (*txnbuild.SimpleAccount, error)
	Simulate(ctx context.Context, tx *txnbuild.Transaction) (*soroban.SimResult, error)
	SubmitTx(ctx context.Context, txXDR string) (*soroban.Outcome, error)
}

// Config are the parameters for a Launcher.
type Config struct {
	NetworkPassphrase string
	// Sponsor pays every fee bump.
	Sponsor   *keypair.Full
	Sequencer Sequencer
	Credits   Ledger
	Gateway   Gateway
	Fees      FeePolicy
	// EagerCredits overrides DefaultEagerCredits.
	EagerCredits int64
	Logger       zerolog.Logger
}

// Launcher relays transactions. Safe for concurrent use; all mutable state
// lives in its collaborators.
type Launcher struct {
	networkPassphrase string
	sponsor           *keypair.Full
	sequencer         Sequencer
	credits           Ledger
	gateway           Gateway
	fees              FeePolicy
	eagerCredits      int64
	logger            zerolog.Logger
}

func NewLauncher(c Config) (*Launcher, error) {
	if c.Sponsor == nil {
		return nil, errors.New("sponsor keypair is required")
	}
	if c.Sequencer == nil || c.Credits == nil || c.Gateway == nil {
		return nil, errors.New("sequencer, credits, and gateway are required")
	}
	if c.EagerCredits == 0 {
		c.EagerCredits = DefaultEagerCredits
	}
	return &Launcher{
		networkPassphrase: c.NetworkPassphrase,
		sponsor:           c.Sponsor,
		sequencer:         c.Sequencer,
		credits:           c.Credits,
		gateway:           c.Gateway,
		fees:              c.Fees,
		eagerCredits:      c.EagerCredits,
		logger:            c.Logger,
	}, nil
}

// Request is one submission. Exactly one of XDR or Func must be set.
type Request struct {
	// TokenID identifies the credit account paying for the submission.
	TokenID string
	// XDR is a fully-formed transaction envelope.
	XDR string
	// Func is a base64 host function to invoke, with its base64
	// authorization entries. Mutually exclusive with XDR.
	Func string
	Auth []string
	// NoSimulate submits the envelope as provided instead of rebuilding it
	// through simulation. Requires XDR.
	NoSimulate bool
}

// Result is a confirmed submission.
type Result struct {
	Status              string
	Hash                string
	FeeCharged          int64
	Ledger              uint32
	EnvelopeXDR         string
	ResultXDR           string
	ResultMetaXDR       string
	DiagnosticEventsXDR []string
	CreditsRemaining    int64
}

// input is the validated working state of one request.
type input struct {
	tx         *txnbuild.Transaction
	opSource   string
	fn         xdr.HostFunction
	auth       []xdr.SorobanAuthorizationEntry
	noSimulate bool
}

// Launch runs one submission end to end. The leased sequence account is
// returned to the pool on every exit path.
func (l *Launcher) Launch(ctx context.Context, req Request) (*Result, error) {
	in, err := parseRequest(req)
	if err != nil {
		return nil, err
	}

	// The eager hold is taken before any lease or network call and is only
	// refunded by conversion into the bid hold. Requests failing in between
	// forfeit it: that forfeiture is the relay's abuse cost.
	credits, err := l.credits.SpendBefore(req.TokenID, l.eagerCredits, 0)
	if err != nil {
		return nil, err
	}

	seqKP, err := l.sequencer.Acquire()
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := l.sequencer.Release(seqKP); rerr != nil {
			l.logger.Error().Err(rerr).Str("account", seqKP.Address()).
				Msg("releasing sequence account")
		}
	}()

	err = auditAuth(in, seqKP.Address())
	if err != nil {
		return nil, err
	}

	var inner *txnbuild.Transaction
	var resourceFee int64
	if in.noSimulate {
		inner, resourceFee, err = trustedInner(in)
	} else {
		inner, resourceFee, err = l.simulate(ctx, in, seqKP)
	}
	if err != nil {
		return nil, err
	}

	bid := l.fees.Bid(in.fn)
	// Halved because the transaction-building library bills the fee-bump
	// base fee for both the inner and outer envelope: the halved value makes
	// the outer envelope's total fee equal bid+resourceFee.
	feeBump, err := txnbuild.NewFeeBumpTransaction(txnbuild.FeeBumpTransactionParams{
		Inner:      inner,
		FeeAccount: l.sponsor.Address(),
		BaseFee:    (bid + resourceFee) / 2,
	})
	if err != nil {
		return nil, fmt.Errorf("building fee bump tx: %w", err)
	}
	feeBump, err = feeBump.Sign(l.networkPassphrase, l.sponsor)
	if err != nil {
		return nil, fmt.Errorf("signing fee bump tx: %w", err)
	}
	bidTotal := int64(feeBump.ToXDR().FeeBump.Tx.Fee)

	// Convert the eager hold into the bid hold now that the worst-case cost
	// is known.
	credits, err = l.credits.SpendBefore(req.TokenID, bidTotal, l.eagerCredits)
	if err != nil {
		return nil, err
	}

	txXDR, err := feeBump.Base64()
	if err != nil {
		return nil, fmt.Errorf("encoding fee bump tx: %w", err)
	}
	outcome, err := l.gateway.SubmitTx(ctx, txXDR)
	if err != nil {
		return nil, l.reconcileFailure(req.TokenID, bidTotal, credits, err)
	}

	// Reconcile the bid hold against the fee the network actually charged.
	credits, err = l.credits.SpendAfter(req.TokenID, outcome.Hash, outcome.FeeCharged, bidTotal)
	if err != nil {
		return nil, fmt.Errorf("reconciling credits for %s: %w", outcome.Hash, err)
	}

	metrics.SubmissionsTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	metrics.FeesChargedTotal.Add(float64(outcome.FeeCharged))
	metrics.CreditsSpentTotal.Add(float64(outcome.FeeCharged))
	l.logger.Info().Str("hash", outcome.Hash).Int64("fee_charged", outcome.FeeCharged).
		Int64("credits_remaining", credits).Msg("launched transaction")

	return &Result{
		Status:              outcome.Status,
		Hash:                outcome.Hash,
		FeeCharged:          outcome.FeeCharged,
		Ledger:              outcome.Ledger,
		EnvelopeXDR:         outcome.EnvelopeXDR,
		ResultXDR:           outcome.ResultXDR,
		ResultMetaXDR:       outcome.ResultMetaXDR,
		DiagnosticEventsXDR: outcome.DiagnosticEventsXDR,
		CreditsRemaining:    credits,
	}, nil
}

// reconcileFailure settles the bid hold after a failed submission. A failure
// that still charged a fee converts the hold into that charge; skipping this
// would silently drain the sponsor with no record.
func (l *Launcher) reconcileFailure(tokenID string, bidTotal, credits int64, cause error) error {
	var sErr *soroban.Error
	var tErr *soroban.TimeoutError
	switch {
	case errors.As(cause, &sErr) && sErr.FeeCharged > 0:
		metrics.SubmissionsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		metrics.FeesChargedTotal.Add(float64(sErr.FeeCharged))
		metrics.CreditsSpentTotal.Add(float64(sErr.FeeCharged))
		remaining, err := l.credits.SpendBefore(tokenID, sErr.FeeCharged, bidTotal)
		if err != nil {
			l.logger.Error().Err(err).Str("token", tokenID).
				Msg("reconciling credits for charged failure")
		} else {
			credits = remaining
		}
	case errors.As(cause, &tErr):
		metrics.SubmissionsTotal.WithLabelValues(metrics.OutcomeTimeout).Inc()
	default:
		metrics.SubmissionsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
	}
	return &SubmissionError{Cause: cause, CreditsRemaining: credits}
}

func parseRequest(req Request) (*input, error) {
	switch {
	case req.XDR == "" && req.Func == "":
		return nil, validationErrorf("either xdr or func and auth must be provided")
	case req.XDR != "" && (req.Func != "" || len(req.Auth) > 0):
		return nil, validationErrorf("func and auth must be omitted when passing xdr")
	case req.NoSimulate && req.XDR == "":
		return nil, validationErrorf("disabling simulation requires a full xdr envelope")
	}

	in := &input{noSimulate: req.NoSimulate}
	if req.XDR != "" {
		generic, err := txnbuild.TransactionFromXDR(req.XDR)
		if err != nil {
			return nil, validationErrorf("xdr is not a valid transaction envelope")
		}
		tx, ok := generic.Transaction()
		if !ok {
			return nil, validationErrorf("xdr must not be a fee bump transaction")
		}
		ops := tx.Operations()
		if len(ops) != 1 {
			return nil, validationErrorf("envelope must contain exactly one operation")
		}
		op, ok := ops[0].(*txnbuild.InvokeHostFunction)
		if !ok {
			return nil, validationErrorf("operation must be an invokeHostFunction")
		}
		in.tx = tx
		in.opSource = op.SourceAccount
		in.fn = op.HostFunction
		in.auth = op.Auth
	} else {
		err := xdr.SafeUnmarshalBase64(req.Func, &in.fn)
		if err != nil {
			return nil, validationErrorf("func is not a valid host function")
		}
		for _, a := range req.Auth {
			var entry xdr.SorobanAuthorizationEntry
			err = xdr.SafeUnmarshalBase64(a, &entry)
			if err != nil {
				return nil, validationErrorf("auth contains an invalid authorization entry")
			}
			in.auth = append(in.auth, entry)
		}
	}

	switch in.fn.Type {
	case xdr.HostFunctionTypeHostFunctionTypeInvokeContract,
		xdr.HostFunctionTypeHostFunctionTypeCreateContractV2:
	default:
		return nil, validationErrorf("func must invoke or create a contract")
	}
	return in, nil
}

// auditAuth rejects authorization entries that could impersonate the relay.
// Source-account credentials borrow the envelope's own signature, which
// simulation would invalidate by rebuilding the transaction, and which must
// never resolve to the leased sequence account. Address credentials likewise
// must not name the sequence account.
func auditAuth(in *input, seqAddress string) error {
	for _, entry := range in.auth {
		switch entry.Credentials.Type {
		case xdr.SorobanCredentialsTypeSorobanCredentialsSourceAccount:
			if !in.noSimulate {
				return validationErrorf("source-account credentials require a signed envelope with simulation disabled")
			}
			if in.tx.SourceAccount().AccountID == seqAddress || in.opSource == seqAddress {
				return validationErrorf("source-account credentials must not resolve to the relay's sequence account")
			}
		case xdr.SorobanCredentialsTypeSorobanCredentialsAddress:
			address := entry.Credentials.Address.Address
			if address.Type == xdr.ScAddressTypeScAddressTypeAccount &&
				address.AccountId.Address() == seqAddress {
				return validationErrorf("address credentials must not name the relay's sequence account")
			}
		default:
			return validationErrorf("invalid authorization credentials")
		}
	}
	return nil
}

// simulate builds a zero-fee candidate sourced from the leased account, runs
// it through simulation, verifies the authorization set is unchanged, and
// rebuilds the transaction with the simulated footprint and resource fee.
func (l *Launcher) simulate(ctx context.Context, in *input, seqKP *keypair.Full) (*txnbuild.Transaction, int64, error) {
	source, err := l.gateway.GetAccount(ctx, seqKP.Address())
	if err != nil {
		return nil, 0, fmt.Errorf("getting sequence account: %w", err)
	}

	params := txnbuild.TransactionParams{
		SourceAccount:        source,
		IncrementSequenceNum: true,
		BaseFee:              0,
		Operations: []txnbuild.Operation{&txnbuild.InvokeHostFunction{
			HostFunction:  in.fn,
			Auth:          in.auth,
			SourceAccount: in.opSource,
		}},
		Preconditions: txnbuild.Preconditions{TimeBounds: l.timebounds(in)},
	}
	if in.tx != nil {
		params.Memo = in.tx.Memo()
	}
	candidate, err := txnbuild.NewTransaction(params)
	if err != nil {
		return nil, 0, fmt.Errorf("building candidate tx: %w", err)
	}

	sim, err := l.gateway.Simulate(ctx, candidate)
	if err != nil {
		return nil, 0, err
	}
	if !authSetsEqual(in.auth, sim.Auth) {
		return nil, 0, ErrAuthMismatch
	}

	// Rebuild at the same sequence number with the simulated footprint; the
	// zero base fee leaves the inner fee exactly equal to the resource fee.
	resourceFee := int64(sim.TransactionData.ResourceFee)
	sourceAccount := candidate.SourceAccount()
	params.SourceAccount = &sourceAccount
	params.IncrementSequenceNum = false
	params.Operations = []txnbuild.Operation{&txnbuild.InvokeHostFunction{
		HostFunction:  in.fn,
		Auth:          in.auth,
		SourceAccount: in.opSource,
		Ext: xdr.TransactionExt{
			V:           1,
			SorobanData: &sim.TransactionData,
		},
	}}
	final, err := txnbuild.NewTransaction(params)
	if err != nil {
		return nil, 0, fmt.Errorf("building final tx: %w", err)
	}
	final, err = final.Sign(l.networkPassphrase, seqKP)
	if err != nil {
		return nil, 0, fmt.Errorf("signing final tx: %w", err)
	}
	// Caller-supplied envelope signatures are layered on top, covering
	// operation sources that must co-sign.
	if in.tx != nil && len(in.tx.Signatures()) > 0 {
		final, err = final.AddSignatureDecorated(in.tx.Signatures()...)
		if err != nil {
			return nil, 0, fmt.Errorf("layering caller signatures: %w", err)
		}
	}
	return final, resourceFee, nil
}

// timebounds carries caller bounds through only when they are tighter than
// the submission window. Anything looser is clamped so a sponsored envelope
// can never outlive the confirmation polling it gets.
func (l *Launcher) timebounds(in *input) txnbuild.TimeBounds {
	deadline := time.Now().Add(submitWindow).Unix()
	if in.tx != nil {
		if tb := in.tx.Timebounds(); tb.MaxTime != 0 {
			if tb.MaxTime > deadline {
				tb.MaxTime = deadline
			}
			return tb
		}
	}
	return txnbuild.NewTimeout(int64(submitWindow.Seconds()))
}

// trustedInner validates an envelope submitted with simulation disabled. The
// relay cannot verify the footprint without simulating, so it bounds what it
// will pay instead: the stated fee must sit within a minimal tolerance of
// the attached resource fee and the validity horizon must be short.
func trustedInner(in *input) (*txnbuild.Transaction, int64, error) {
	env := in.tx.ToXDR()
	if env.Type != xdr.EnvelopeTypeEnvelopeTypeTx || env.V1 == nil {
		return nil, 0, validationErrorf("envelope must be a v1 transaction")
	}
	sorobanData := env.V1.Tx.Ext.SorobanData
	if sorobanData == nil {
		return nil, 0, validationErrorf("envelope is missing resource metadata")
	}
	resourceFee := int64(sorobanData.ResourceFee)
	if int64(env.V1.Tx.Fee) > resourceFee+FloorFee {
		return nil, 0, validationErrorf("envelope fee must equal its resource fee")
	}
	tb := in.tx.Timebounds()
	if tb.MaxTime == 0 || time.Until(time.Unix(tb.MaxTime, 0)) > submitWindow {
		return nil, 0, validationErrorf("envelope must expire within 30 seconds")
	}
	return in.tx, resourceFee, nil
}

// authSetsEqual compares two authorization sets by exact serialized
// equality, independent of order.
func authSetsEqual(a, b []xdr.SorobanAuthorizationEntry) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, entry := range a {
		b64, err := xdr.MarshalBase64(entry)
		if err != nil {
			return false
		}
		counts[b64]++
	}
	for _, entry := range b {
		b64, err := xdr.MarshalBase64(entry)
		if err != nil {
			return false
		}
		counts[b64]--
		if counts[b64] < 0 {
			return false
		}
	}
	return true
}
