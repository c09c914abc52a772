package sequencer

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/strkey"
)

// DeriveSequenceAccount deterministically derives the sequence account at
// index from the sponsor's secret seed:
//
//	rawSeed = SHA256(rawSeed(sponsor) || bigEndianUint32(index))
//
// Derivation is the pool's disaster-recovery mechanism: every account ever
// created can be regenerated from the sponsor seed and the persisted index
// counter alone, so a lost pool entry is recoverable rather than a loss of
// funds.
func DeriveSequenceAccount(sponsor *keypair.Full, index uint32) (*keypair.Full, error) {
	raw, err := strkey.Decode(strkey.VersionByteSeed, sponsor.Seed())
	if err != nil {
		return nil, fmt.Errorf("decoding sponsor seed: %w", err)
	}
	buf := make([]byte, 0, len(raw)+4)
	buf = append(buf, raw...)
	buf = binary.BigEndian.AppendUint32(buf, index)
	kp, err := keypair.FromRawSeed(sha256.Sum256(buf))
	if err != nil {
		return nil, fmt.Errorf("deriving sequence account %d: %w", index, err)
	}
	return kp, nil
}
