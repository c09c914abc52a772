package soroban

import "fmt"

// Kind is the RPC stage a failure came from.
type Kind string

const (
	KindSimulate Kind = "simulate"
	KindSend     Kind = "send"
)

// Error is a normalized RPC failure with the diagnostic payload the network
// returned. Endpoint records which RPC server was used so that a bad server
// in a load-balanced set can be identified; it is internal and must be
// stripped with Redacted before the error crosses the external boundary.
type Error struct {
	Kind     Kind
	Endpoint string
	Status   string
	Hash     string
	Message  string

	// FeeCharged is set when the network charged a fee despite the
	// transaction failing to apply. Callers must reconcile it.
	FeeCharged int64

	EnvelopeXDR         string
	ErrorResultXDR      string
	ResultXDR           string
	ResultMetaXDR       string
	DiagnosticEventsXDR []string
	EventsXDR           []string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "transaction " + e.Status
	}
	if e.Hash != "" {
		return fmt.Sprintf("%s %s: %s", e.Kind, e.Hash, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Redacted returns a copy safe for external exposure, with the internal
// endpoint stripped.
func (e *Error) Redacted() *Error {
	r := *e
	r.Endpoint = ""
	return &r
}

// RestoreRequiredError is returned when simulation indicates archived ledger
// entries must be restored first. Restoration is not supported and the error
// is always surfaced verbatim.
type RestoreRequiredError struct {
	TransactionDataXDR string
	MinResourceFee     int64
}

func (e *RestoreRequiredError) Error() string {
	return "simulation requires restoring archived ledger entries, which is not supported"
}

// TimeoutError is returned when a submitted transaction did not reach a
// terminal status within the polling budget.
type TimeoutError struct {
	Hash        string
	LastStatus  string
	EnvelopeXDR string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transaction %s not confirmed in time, last status %s", e.Hash, e.LastStatus)
}
