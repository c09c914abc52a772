package launchtube

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellar/launchtube/config"
	"github.com/stellar/launchtube/launch"
	"github.com/stellar/launchtube/sequencer"
	"github.com/stellar/launchtube/soroban"
	"github.com/stellar/launchtube/store"
)

// rpcServer fakes just enough of the Soroban RPC protocol for an end-to-end
// run: account lookups, simulation, and a submission that confirms with a
// fixed charged fee.
func rpcServer(t *testing.T, feeCharged int64) *httptest.Server {
	sequences := map[string]int64{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result any
		switch req.Method {
		case "getLedgerEntries":
			var params struct {
				Keys []string `json:"keys"`
			}
			require.NoError(t, json.Unmarshal(req.Params, &params))
			require.Len(t, params.Keys, 1)
			var key xdr.LedgerKey
			require.NoError(t, xdr.SafeUnmarshalBase64(params.Keys[0], &key))
			address := key.Account.AccountId.Address()
			sequences[address]++
			entry := xdr.LedgerEntryData{
				Type: xdr.LedgerEntryTypeAccount,
				Account: &xdr.AccountEntry{
					AccountId: key.Account.AccountId,
					SeqNum:    xdr.SequenceNumber(sequences[address]),
				},
			}
			entryXDR, err := xdr.MarshalBase64(entry)
			require.NoError(t, err)
			result = map[string]any{
				"entries":      []map[string]any{{"xdr": entryXDR}},
				"latestLedger": 100,
			}
		case "simulateTransaction":
			data := xdr.SorobanTransactionData{ResourceFee: 1000}
			dataXDR, err := xdr.MarshalBase64(data)
			require.NoError(t, err)
			result = map[string]any{
				"transactionData": dataXDR,
				"minResourceFee":  "1000",
				"results":         []map[string]any{{"auth": []string{}, "xdr": ""}},
				"latestLedger":    100,
			}
		case "sendTransaction":
			result = map[string]any{"status": soroban.StatusPending, "hash": "deadbeef"}
		case "getTransaction":
			txResult := xdr.TransactionResult{
				FeeCharged: xdr.Int64(feeCharged),
				Result: xdr.TransactionResultResult{
					Code:    xdr.TransactionResultCodeTxSuccess,
					Results: &[]xdr.OperationResult{},
				},
			}
			resultXDR, err := xdr.MarshalBase64(txResult)
			require.NoError(t, err)
			result = map[string]any{
				"status":    soroban.StatusSuccess,
				"ledger":    101,
				"resultXdr": resultXDR,
			}
		default:
			t.Fatalf("unexpected method %s", req.Method)
		}

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		}))
	}))
}

func testConfig(url string) *config.Config {
	return &config.Config{
		NetworkPassphrase: network.TestNetworkPassphrase,
		SponsorSecret:     keypair.MustRandom().Seed(),
		RPCURLs:           url,
		PollInitial:       time.Millisecond,
		PollBudget:        50 * time.Millisecond,
		LeaseTimeout:      time.Minute,
		SweepInterval:     time.Hour,
	}
}

func userTxXDR(t *testing.T) string {
	cid := xdr.ContractId{1}
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount: &txnbuild.SimpleAccount{
			AccountID: keypair.MustRandom().Address(),
			Sequence:  1,
		},
		IncrementSequenceNum: true,
		Operations: []txnbuild.Operation{&txnbuild.InvokeHostFunction{
			HostFunction: xdr.HostFunction{
				Type: xdr.HostFunctionTypeHostFunctionTypeInvokeContract,
				InvokeContract: &xdr.InvokeContractArgs{
					ContractAddress: xdr.ScAddress{
						Type:       xdr.ScAddressTypeScAddressTypeContract,
						ContractId: &cid,
					},
					FunctionName: "transfer",
				},
			},
		}},
		BaseFee:       txnbuild.MinBaseFee,
		Preconditions: txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(30)},
	})
	require.NoError(t, err)
	b64, err := tx.Base64()
	require.NoError(t, err)
	return b64
}

func TestRelay_endToEnd(t *testing.T) {
	server := rpcServer(t, 850)
	defer server.Close()

	relay, err := Open(testConfig(server.URL), WithStore(store.NewMemory()))
	require.NoError(t, err)
	defer relay.Close()

	_, err = relay.InitToken("tok", time.Hour, 1_000_000, true)
	require.NoError(t, err)
	require.NoError(t, relay.QueueAccountCreation(context.Background(), 1))

	result, err := relay.Launch(context.Background(), "tok", launch.Request{XDR: userTxXDR(t)})
	require.NoError(t, err)
	assert.Equal(t, soroban.StatusSuccess, result.Status)
	assert.Equal(t, "deadbeef", result.Hash)
	assert.Equal(t, int64(850), result.FeeCharged)
	assert.Equal(t, int64(1_000_000-850), result.CreditsRemaining)

	info, err := relay.TokenInfo("tok")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000-850), info.Balance)

	// The sequence account is back in the pool.
	snap, err := relay.PoolSnapshot()
	require.NoError(t, err)
	assert.Len(t, snap.Pooled, 1)
	assert.Empty(t, snap.Leased)
}

func TestRelay_poolExhaustedFailsFast(t *testing.T) {
	server := rpcServer(t, 850)
	defer server.Close()

	relay, err := Open(testConfig(server.URL), WithStore(store.NewMemory()))
	require.NoError(t, err)
	defer relay.Close()

	_, err = relay.InitToken("tok", time.Hour, 1_000_000, true)
	require.NoError(t, err)

	_, err = relay.Launch(context.Background(), "tok", launch.Request{XDR: userTxXDR(t)})
	require.ErrorIs(t, err, sequencer.ErrPoolExhausted)
}

func TestRelay_validationErrorsDoNotCountTowardWatchdog(t *testing.T) {
	server := rpcServer(t, 850)
	defer server.Close()

	s := store.NewMemory()
	relay, err := Open(testConfig(server.URL), WithStore(s))
	require.NoError(t, err)
	defer relay.Close()

	_, err = relay.InitToken("tok", time.Hour, 1_000_000, true)
	require.NoError(t, err)

	// A malformed request is the caller's problem, not an error-rate signal.
	_, err = relay.Launch(context.Background(), "tok", launch.Request{})
	require.Error(t, err)
	_, ok, err := s.Get("monitor:errors")
	require.NoError(t, err)
	assert.False(t, ok)

	// A well-formed request failing past validation still counts.
	_, err = relay.Launch(context.Background(), "tok", launch.Request{XDR: userTxXDR(t)})
	require.ErrorIs(t, err, sequencer.ErrPoolExhausted)
	count, ok, err := s.Get("monitor:errors")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(count))
}

type verifierFake struct{}

func (verifierFake) Verify(token string) (string, error) {
	if token != "valid" {
		return "", errors.New("invalid token")
	}
	return "tok", nil
}

func TestRelay_verifier(t *testing.T) {
	server := rpcServer(t, 850)
	defer server.Close()

	relay, err := Open(testConfig(server.URL),
		WithStore(store.NewMemory()), WithVerifier(verifierFake{}))
	require.NoError(t, err)
	defer relay.Close()

	_, err = relay.InitToken("tok", time.Hour, 1_000_000, true)
	require.NoError(t, err)
	require.NoError(t, relay.QueueAccountCreation(context.Background(), 1))

	_, err = relay.Launch(context.Background(), "bogus", launch.Request{XDR: userTxXDR(t)})
	require.Error(t, err)

	result, err := relay.Launch(context.Background(), "valid", launch.Request{XDR: userTxXDR(t)})
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", result.Hash)
}
