// Package soroban is a client for the Soroban RPC protocol covering the
// subset of methods the relay needs: account lookups, simulation,
// submission, and confirmation polling. Every failure is normalized into a
// typed error carrying the network's diagnostic payload and the endpoint
// used, so a misbehaving server in a load-balanced set can be identified.
package soroban

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"

	"github.com/AccumulateNetwork/jsonrpc2/v15"
	"github.com/rs/zerolog"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"

	"github.com/stellar/launchtube/retry"
)

// Endpoint is a single RPC server, optionally with a bearer token.
type Endpoint struct {
	URL       string
	AuthToken string
}

// Transaction statuses reported by the RPC server.
const (
	StatusPending  = "PENDING"
	StatusSuccess  = "SUCCESS"
	StatusFailed   = "FAILED"
	StatusNotFound = "NOT_FOUND"
)

// SimResult is a successful simulation.
type SimResult struct {
	// Auth is the set of authorization entries simulation determined the
	// invocation requires.
	Auth []xdr.SorobanAuthorizationEntry
	// TransactionData is the resource footprint and resource fee to attach
	// to the transaction.
	TransactionData xdr.SorobanTransactionData
	MinResourceFee  int64
	LatestLedger    uint32
}

// Outcome is a confirmed, successfully applied transaction.
type Outcome struct {
	Status              string
	Hash                string
	FeeCharged          int64
	Ledger              uint32
	EnvelopeXDR         string
	ResultXDR           string
	ResultMetaXDR       string
	DiagnosticEventsXDR []string
}

// Client speaks Soroban RPC against a set of endpoints, picking one
// uniformly at random per call.
type Client struct {
	Endpoints []Endpoint
	// Retrier bounds confirmation polling. The zero value polls with waits
	// of 2s, 4s, 8s, and 16s before giving up.
	Retrier retry.Retrier
	Logger  zerolog.Logger
}

func (c *Client) pick() Endpoint {
	return c.Endpoints[rand.Intn(len(c.Endpoints))]
}

func (c *Client) call(ctx context.Context, ep Endpoint, method string, params, result any) error {
	client := jsonrpc2.Client{}
	if ep.AuthToken != "" {
		client.Header = http.Header{"Authorization": []string{"Bearer " + ep.AuthToken}}
	}
	return client.Request(ctx, ep.URL, method, params, result)
}

type transactionRequest struct {
	Transaction string `json:"transaction"`
}

type ledgerEntriesRequest struct {
	Keys []string `json:"keys"`
}

type ledgerEntriesResponse struct {
	Entries []struct {
		Key string `json:"key"`
		XDR string `json:"xdr"`
	} `json:"entries"`
	LatestLedger uint32 `json:"latestLedger"`
}

type simulateResponse struct {
	Error           string   `json:"error,omitempty"`
	TransactionData string   `json:"transactionData"`
	MinResourceFee  string   `json:"minResourceFee"`
	Events          []string `json:"events"`
	Results         []struct {
		Auth []string `json:"auth"`
		XDR  string   `json:"xdr"`
	} `json:"results"`
	RestorePreamble *struct {
		TransactionData string `json:"transactionData"`
		MinResourceFee  string `json:"minResourceFee"`
	} `json:"restorePreamble,omitempty"`
	LatestLedger uint32 `json:"latestLedger"`
}

type sendResponse struct {
	Status              string   `json:"status"`
	Hash                string   `json:"hash"`
	ErrorResultXDR      string   `json:"errorResultXdr,omitempty"`
	DiagnosticEventsXDR []string `json:"diagnosticEventsXdr,omitempty"`
	LatestLedger        uint32   `json:"latestLedger"`
}

type getResponse struct {
	Status              string   `json:"status"`
	Ledger              uint32   `json:"ledger,omitempty"`
	EnvelopeXDR         string   `json:"envelopeXdr,omitempty"`
	ResultXDR           string   `json:"resultXdr,omitempty"`
	ResultMetaXDR       string   `json:"resultMetaXdr,omitempty"`
	DiagnosticEventsXDR []string `json:"diagnosticEventsXdr,omitempty"`
}

// GetAccount looks up an account's current sequence number.
func (c *Client) GetAccount(ctx context.Context, accountID string) (*txnbuild.SimpleAccount, error) {
	aid, err := xdr.AddressToAccountId(accountID)
	if err != nil {
		return nil, fmt.Errorf("parsing account id %s: %w", accountID, err)
	}
	key := xdr.LedgerKey{
		Type:    xdr.LedgerEntryTypeAccount,
		Account: &xdr.LedgerKeyAccount{AccountId: aid},
	}
	keyXDR, err := xdr.MarshalBase64(key)
	if err != nil {
		return nil, fmt.Errorf("encoding ledger key: %w", err)
	}
	ep := c.pick()
	var resp ledgerEntriesResponse
	err = c.call(ctx, ep, "getLedgerEntries", ledgerEntriesRequest{Keys: []string{keyXDR}}, &resp)
	if err != nil {
		return nil, &Error{Kind: KindSimulate, Endpoint: ep.URL, Message: fmt.Sprintf("getLedgerEntries: %v", err)}
	}
	if len(resp.Entries) == 0 {
		return nil, &Error{Kind: KindSimulate, Endpoint: ep.URL, Message: fmt.Sprintf("account %s not found", accountID)}
	}
	var data xdr.LedgerEntryData
	err = xdr.SafeUnmarshalBase64(resp.Entries[0].XDR, &data)
	if err != nil {
		return nil, &Error{Kind: KindSimulate, Endpoint: ep.URL, Message: fmt.Sprintf("decoding ledger entry: %v", err)}
	}
	account, ok := data.GetAccount()
	if !ok {
		return nil, &Error{Kind: KindSimulate, Endpoint: ep.URL, Message: "ledger entry is not an account"}
	}
	return &txnbuild.SimpleAccount{AccountID: accountID, Sequence: int64(account.SeqNum)}, nil
}

// Simulate runs the transaction through the network's simulation and returns
// the required authorization set and resource footprint.
func (c *Client) Simulate(ctx context.Context, tx *txnbuild.Transaction) (*SimResult, error) {
	txXDR, err := tx.Base64()
	if err != nil {
		return nil, fmt.Errorf("encoding tx as base64: %w", err)
	}
	ep := c.pick()
	var resp simulateResponse
	err = c.call(ctx, ep, "simulateTransaction", transactionRequest{Transaction: txXDR}, &resp)
	if err != nil {
		return nil, &Error{Kind: KindSimulate, Endpoint: ep.URL, Message: fmt.Sprintf("simulateTransaction: %v", err)}
	}
	if resp.RestorePreamble != nil {
		minFee, _ := strconv.ParseInt(resp.RestorePreamble.MinResourceFee, 10, 64)
		return nil, &RestoreRequiredError{
			TransactionDataXDR: resp.RestorePreamble.TransactionData,
			MinResourceFee:     minFee,
		}
	}
	if resp.Error != "" {
		return nil, &Error{Kind: KindSimulate, Endpoint: ep.URL, Message: resp.Error, EventsXDR: resp.Events}
	}
	var data xdr.SorobanTransactionData
	err = xdr.SafeUnmarshalBase64(resp.TransactionData, &data)
	if err != nil {
		return nil, &Error{Kind: KindSimulate, Endpoint: ep.URL, Message: fmt.Sprintf("decoding transaction data: %v", err)}
	}
	minFee, _ := strconv.ParseInt(resp.MinResourceFee, 10, 64)
	sim := &SimResult{
		TransactionData: data,
		MinResourceFee:  minFee,
		LatestLedger:    resp.LatestLedger,
	}
	if len(resp.Results) > 0 {
		for _, a := range resp.Results[0].Auth {
			var entry xdr.SorobanAuthorizationEntry
			err = xdr.SafeUnmarshalBase64(a, &entry)
			if err != nil {
				return nil, &Error{Kind: KindSimulate, Endpoint: ep.URL, Message: fmt.Sprintf("decoding auth entry: %v", err)}
			}
			sim.Auth = append(sim.Auth, entry)
		}
	}
	return sim, nil
}

// SubmitTx sends the transaction and polls until it reaches a terminal
// status. A non-pending send status fails immediately without polling. A
// FAILED terminal status is returned as an *Error that still carries the fee
// the network charged.
func (c *Client) SubmitTx(ctx context.Context, txXDR string) (*Outcome, error) {
	ep := c.pick()
	var resp sendResponse
	err := c.call(ctx, ep, "sendTransaction", transactionRequest{Transaction: txXDR}, &resp)
	if err != nil {
		return nil, &Error{Kind: KindSend, Endpoint: ep.URL, Message: fmt.Sprintf("sendTransaction: %v", err)}
	}
	if resp.Status != StatusPending {
		return nil, &Error{
			Kind:                KindSend,
			Endpoint:            ep.URL,
			Status:              resp.Status,
			Hash:                resp.Hash,
			EnvelopeXDR:         txXDR,
			ErrorResultXDR:      resp.ErrorResultXDR,
			DiagnosticEventsXDR: resp.DiagnosticEventsXDR,
		}
	}
	c.Logger.Debug().Str("hash", resp.Hash).Msg("transaction pending")
	return c.pollTransaction(ctx, resp.Hash, txXDR)
}

func (c *Client) pollTransaction(ctx context.Context, hash, txXDR string) (*Outcome, error) {
	var outcome *Outcome
	var failure error
	lastStatus := StatusNotFound
	err := c.Retrier.Poll(ctx, func(ctx context.Context) (bool, error) {
		ep := c.pick()
		var resp getResponse
		err := c.call(ctx, ep, "getTransaction", map[string]string{"hash": hash}, &resp)
		if err != nil {
			return false, &Error{Kind: KindSend, Endpoint: ep.URL, Hash: hash, Message: fmt.Sprintf("getTransaction: %v", err)}
		}
		lastStatus = resp.Status
		c.Logger.Debug().Str("hash", hash).Str("status", resp.Status).Msg("polled transaction")
		switch resp.Status {
		case StatusSuccess:
			outcome = &Outcome{
				Status:              resp.Status,
				Hash:                hash,
				FeeCharged:          feeCharged(resp.ResultXDR),
				Ledger:              resp.Ledger,
				EnvelopeXDR:         resp.EnvelopeXDR,
				ResultXDR:           resp.ResultXDR,
				ResultMetaXDR:       resp.ResultMetaXDR,
				DiagnosticEventsXDR: resp.DiagnosticEventsXDR,
			}
			return true, nil
		case StatusFailed:
			// The fee was spent even though the transaction did not
			// apply. Callers must reconcile FeeCharged.
			failure = &Error{
				Kind:                KindSend,
				Endpoint:            ep.URL,
				Status:              resp.Status,
				Hash:                hash,
				FeeCharged:          feeCharged(resp.ResultXDR),
				EnvelopeXDR:         resp.EnvelopeXDR,
				ResultXDR:           resp.ResultXDR,
				ResultMetaXDR:       resp.ResultMetaXDR,
				DiagnosticEventsXDR: resp.DiagnosticEventsXDR,
			}
			return true, nil
		}
		return false, nil
	})
	if errors.Is(err, retry.ErrBudgetExhausted) {
		return nil, &TimeoutError{Hash: hash, LastStatus: lastStatus, EnvelopeXDR: txXDR}
	}
	if err != nil {
		return nil, err
	}
	if failure != nil {
		return nil, failure
	}
	return outcome, nil
}

func feeCharged(resultXDR string) int64 {
	var result xdr.TransactionResult
	err := xdr.SafeUnmarshalBase64(resultXDR, &result)
	if err != nil {
		return 0
	}
	return int64(result.FeeCharged)
}
