package launch

import (
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"
)

const (
	// DefaultFee is the inclusion-fee bid when the caller leaves it to the
	// relay: double the network minimum to cover both halves of the fee bump,
	// plus headroom so the later halving never rounds below the minimum.
	DefaultFee = 2*txnbuild.MinBaseFee + 2

	// FloorFee is the lowest inclusion-fee bid the relay will place.
	FloorFee = 2*txnbuild.MinBaseFee + 1
)

// FeePolicy decides the inclusion-fee bid for an invocation. FloorContracts
// is policy data, not logic: contract addresses on the list are pinned to the
// minimum bid, a narrow carve-out for known high-volume integrations.
type FeePolicy struct {
	FloorContracts []string
}

// Bid returns the inclusion-fee bid for the given host function.
func (p FeePolicy) Bid(fn xdr.HostFunction) int64 {
	if fn.Type == xdr.HostFunctionTypeHostFunctionTypeInvokeContract &&
		fn.InvokeContract.ContractAddress.ContractId != nil {
		cid := *fn.InvokeContract.ContractAddress.ContractId
		contract, err := strkey.Encode(strkey.VersionByteContract, cid[:])
		if err == nil {
			for _, floored := range p.FloorContracts {
				if floored == contract {
					return FloorFee
				}
			}
		}
	}
	return DefaultFee
}
