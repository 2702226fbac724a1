package validation

import (
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/itrailmpool/miningcore/internal/events"
	"github.com/itrailmpool/miningcore/internal/stratum"
)

// maxNTimeSkew bounds how far a submitted ntime may run ahead of the clock.
const maxNTimeSkew = 2 * time.Hour

// diff1Target is Bitcoin's difficulty-1 target.
var diff1Target = mustTarget("00000000ffff0000000000000000000000000000000000000000000000000000")

func mustTarget(s string) *big.Int {
	t, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("invalid target constant")
	}
	return t
}

// Validator validates share submissions against a job and the session
// difficulty target.
type Validator struct {
	poolID          string
	extraNonce2Size int
	clock           func() time.Time
}

// NewValidator creates a validator for one pool.
func NewValidator(poolID string, extraNonce2Size int) *Validator {
	return &Validator{
		poolID:          poolID,
		extraNonce2Size: extraNonce2Size,
		clock:           time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (v *Validator) SetClock(clock func() time.Time) {
	v.clock = clock
}

// ValidateShare checks a parsed submission against its job and the
// connection state, returning the resulting share or a *stratum.StratumError.
func (v *Validator) ValidateShare(job *Job, sub *Submission, req *stratum.ShareSubmission) (*events.Share, *stratum.StratumError) {
	if len(sub.ExtraNonce2) != v.extraNonce2Size*2 || !isHex(sub.ExtraNonce2) {
		return nil, stratum.ErrOther("incorrect size of extranonce2")
	}
	if len(sub.NTime) != 8 || !isHex(sub.NTime) {
		return nil, stratum.ErrOther("incorrect size of ntime")
	}
	if len(sub.Nonce) != 8 || !isHex(sub.Nonce) {
		return nil, stratum.ErrOther("incorrect size of nonce")
	}

	nTime, err := strconv.ParseUint(sub.NTime, 16, 32)
	if err != nil {
		return nil, stratum.ErrOther("malformed ntime")
	}
	jobNTime, err := strconv.ParseUint(job.NTime, 16, 32)
	if err != nil {
		return nil, stratum.ErrOther("malformed job")
	}
	now := v.clock()
	if nTime < jobNTime || int64(nTime) > now.Add(maxNTimeSkew).Unix() {
		return nil, stratum.ErrOther("ntime out of range")
	}

	key := req.ExtraNonce1 + sub.ExtraNonce2 + sub.NTime + sub.Nonce + sub.Version
	if !job.RegisterSubmission(key) {
		return nil, stratum.ErrDuplicateShare()
	}

	headerHash, serr := v.headerHash(job, sub, req)
	if serr != nil {
		return nil, serr
	}
	hashInt := hashToBig(headerHash)

	shareTarget := DifficultyToTarget(req.Difficulty)
	if hashInt.Cmp(shareTarget) > 0 {
		return nil, stratum.ErrLowDifficultyShare()
	}

	nBits, err := strconv.ParseUint(job.NBits, 16, 32)
	if err != nil {
		return nil, stratum.ErrOther("malformed job")
	}
	networkTarget := blockchain.CompactToBig(uint32(nBits))
	isBlockCandidate := hashInt.Cmp(networkTarget) <= 0

	share := &events.Share{
		PoolID:            req.PoolID,
		BlockHeight:       job.Height,
		Difficulty:        req.Difficulty,
		NetworkDifficulty: job.NetworkDifficulty,
		Miner:             req.Miner,
		Worker:            req.Worker,
		UserAgent:         req.UserAgent,
		IPAddress:         req.IPAddress,
		Source:            v.poolID,
		Created:           now,
		IsBlockCandidate:  isBlockCandidate,
		IsValid:           true,
	}
	if isBlockCandidate {
		share.BlockHash = headerHash.String()
	}
	return share, nil
}

// headerHash reconstructs the 80-byte block header for the submission and
// returns its double-SHA256 hash.
func (v *Validator) headerHash(job *Job, sub *Submission, req *stratum.ShareSubmission) (chainhash.Hash, *stratum.StratumError) {
	var zero chainhash.Hash

	coinbaseHex := job.CoinB1 + req.ExtraNonce1 + sub.ExtraNonce2 + job.CoinB2
	coinbase, err := hex.DecodeString(coinbaseHex)
	if err != nil {
		return zero, stratum.ErrOther("malformed coinbase")
	}

	merkleRoot := chainhash.DoubleHashB(coinbase)
	for _, branch := range job.MerkleBranch {
		b, err := hex.DecodeString(branch)
		if err != nil || len(b) != chainhash.HashSize {
			return zero, stratum.ErrOther("malformed job")
		}
		merkleRoot = chainhash.DoubleHashB(append(merkleRoot, b...))
	}

	version, err := strconv.ParseUint(job.Version, 16, 32)
	if err != nil {
		return zero, stratum.ErrOther("malformed job")
	}
	headerVersion := uint32(version)
	if sub.Version != "" && req.HasVersionMask {
		rolled, err := strconv.ParseUint(sub.Version, 16, 32)
		if err != nil {
			return zero, stratum.ErrOther("malformed version")
		}
		headerVersion = (headerVersion &^ req.VersionMask) | (uint32(rolled) & req.VersionMask)
	}

	prevHash, err := hex.DecodeString(job.PrevHash)
	if err != nil || len(prevHash) != chainhash.HashSize {
		return zero, stratum.ErrOther("malformed job")
	}

	nTime, _ := strconv.ParseUint(sub.NTime, 16, 32)
	nBits, err := strconv.ParseUint(job.NBits, 16, 32)
	if err != nil {
		return zero, stratum.ErrOther("malformed job")
	}
	nonce, _ := strconv.ParseUint(sub.Nonce, 16, 32)

	header := make([]byte, 0, 80)
	header = binary.LittleEndian.AppendUint32(header, headerVersion)
	header = append(header, reverseBytes(prevHash)...)
	header = append(header, merkleRoot...)
	header = binary.LittleEndian.AppendUint32(header, uint32(nTime))
	header = binary.LittleEndian.AppendUint32(header, uint32(nBits))
	header = binary.LittleEndian.AppendUint32(header, uint32(nonce))

	return chainhash.DoubleHashH(header), nil
}

// DifficultyToTarget converts a pool difficulty to its hash target.
// Fractional difficulties are supported.
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 {
		return new(big.Int).Set(diff1Target)
	}
	t := new(big.Float).SetInt(diff1Target)
	t.Quo(t, big.NewFloat(difficulty))
	target, _ := t.Int(nil)
	return target
}

// hashToBig converts a little-endian hash to its big-endian integer value.
func hashToBig(h chainhash.Hash) *big.Int {
	return new(big.Int).SetBytes(reverseBytes(h[:]))
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}
