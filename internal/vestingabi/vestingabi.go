package vestingabi

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/veil-vest/veil-vest/internal/vesting"
)

var (
	ErrInvalidInput  = errors.New("vestingabi: invalid input")
	ErrUnexpectedABI = errors.New("vestingabi: unexpected abi output")
)

var (
	initOnce sync.Once
	initErr  error

	veilVestABI abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		veilVestABI, err = abi.JSON(strings.NewReader(VeilVestABIJSON))
		if err != nil {
			initErr = fmt.Errorf("vestingabi: parse VeilVest ABI: %w", err)
		}
	})
	return initErr
}

// ABI returns the parsed VeilVest contract ABI.
func ABI() (abi.ABI, error) {
	if err := initABI(); err != nil {
		return abi.ABI{}, err
	}
	return veilVestABI, nil
}

func PackGetGlobalStats() ([]byte, error) {
	return pack("getGlobalStats")
}

func PackGetUserVestings(account common.Address) ([]byte, error) {
	if (account == common.Address{}) {
		return nil, fmt.Errorf("%w: zero account", ErrInvalidInput)
	}
	return pack("getUserVestings", account)
}

func PackGetVestingInfo(vestingID uint64) ([]byte, error) {
	if vestingID == 0 {
		return nil, fmt.Errorf("%w: zero vesting id", ErrInvalidInput)
	}
	return pack("getVestingInfo", new(big.Int).SetUint64(vestingID))
}

func PackGetUserReputation(account common.Address) ([]byte, error) {
	if (account == common.Address{}) {
		return nil, fmt.Errorf("%w: zero account", ErrInvalidInput)
	}
	return pack("getUserReputation", account)
}

// CreateVestingArgs are the createVesting call parameters. TotalAmount is also sent as msg.value.
type CreateVestingArgs struct {
	Name            string
	Description     string
	TotalAmount     *big.Int
	VestingDuration time.Duration
	CliffDuration   time.Duration
}

func PackCreateVesting(a CreateVestingArgs) ([]byte, error) {
	if strings.TrimSpace(a.Name) == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidInput)
	}
	if a.TotalAmount == nil || a.TotalAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: total amount must be > 0", ErrInvalidInput)
	}
	if a.VestingDuration < time.Second || a.CliffDuration < 0 || a.CliffDuration > a.VestingDuration {
		return nil, fmt.Errorf("%w: invalid durations", ErrInvalidInput)
	}
	return pack("createVesting",
		a.Name,
		a.Description,
		a.TotalAmount,
		seconds(a.VestingDuration),
		seconds(a.CliffDuration),
	)
}

func PackClaimTokens(vestingID uint64, encryptedAmount []byte, inputProof []byte) ([]byte, error) {
	if vestingID == 0 {
		return nil, fmt.Errorf("%w: zero vesting id", ErrInvalidInput)
	}
	if len(encryptedAmount) == 0 || len(inputProof) == 0 {
		return nil, fmt.Errorf("%w: missing encrypted amount or proof", ErrInvalidInput)
	}
	return pack("claimTokens", new(big.Int).SetUint64(vestingID), encryptedAmount, inputProof)
}

func PackPauseVesting(vestingID uint64) ([]byte, error) {
	if vestingID == 0 {
		return nil, fmt.Errorf("%w: zero vesting id", ErrInvalidInput)
	}
	return pack("pauseVesting", new(big.Int).SetUint64(vestingID))
}

func PackResumeVesting(vestingID uint64) ([]byte, error) {
	if vestingID == 0 {
		return nil, fmt.Errorf("%w: zero vesting id", ErrInvalidInput)
	}
	return pack("resumeVesting", new(big.Int).SetUint64(vestingID))
}

func UnpackGlobalStats(data []byte) (vesting.GlobalStats, error) {
	out, err := unpack("getGlobalStats", data, 4)
	if err != nil {
		return vesting.GlobalStats{}, err
	}
	total, err := toUint64(out[0])
	if err != nil {
		return vesting.GlobalStats{}, fmt.Errorf("%w: totalVestings: %v", ErrUnexpectedABI, err)
	}
	locked, ok1 := out[1].(*big.Int)
	claimed, ok2 := out[2].(*big.Int)
	if !ok1 || !ok2 {
		return vesting.GlobalStats{}, fmt.Errorf("%w: amounts", ErrUnexpectedABI)
	}
	bens, err := toUint64(out[3])
	if err != nil {
		return vesting.GlobalStats{}, fmt.Errorf("%w: beneficiaries: %v", ErrUnexpectedABI, err)
	}
	return vesting.GlobalStats{
		TotalVestings: total,
		TotalLocked:   new(big.Int).Set(locked),
		TotalClaimed:  new(big.Int).Set(claimed),
		Beneficiaries: bens,
	}, nil
}

func UnpackUserVestings(data []byte) ([]uint64, error) {
	out, err := unpack("getUserVestings", data, 1)
	if err != nil {
		return nil, err
	}
	raw, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: vesting ids: %T", ErrUnexpectedABI, out[0])
	}
	ids := make([]uint64, 0, len(raw))
	for i, v := range raw {
		id, err := toUint64(v)
		if err != nil {
			return nil, fmt.Errorf("%w: vesting id[%d]: %v", ErrUnexpectedABI, i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// UnpackVestingInfo decodes getVestingInfo output. The contract's status enum is zero-based
// (Active=0); vesting.Status reserves zero for unknown.
func UnpackVestingInfo(vestingID uint64, data []byte) (vesting.Record, error) {
	out, err := unpack("getVestingInfo", data, 10)
	if err != nil {
		return vesting.Record{}, err
	}

	beneficiary, ok := out[0].(common.Address)
	if !ok {
		return vesting.Record{}, fmt.Errorf("%w: beneficiary", ErrUnexpectedABI)
	}
	name, ok1 := out[1].(string)
	desc, ok2 := out[2].(string)
	total, ok3 := out[3].(*big.Int)
	claimed, ok4 := out[4].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return vesting.Record{}, fmt.Errorf("%w: name/description/amounts", ErrUnexpectedABI)
	}
	var times [3]uint64
	for i := range times {
		v, err := toUint64(out[5+i])
		if err != nil {
			return vesting.Record{}, fmt.Errorf("%w: schedule field %d: %v", ErrUnexpectedABI, i, err)
		}
		times[i] = v
	}
	tranches, err := toUint64(out[8])
	if err != nil || tranches > vesting.MaxTranches {
		return vesting.Record{}, fmt.Errorf("%w: tranches", ErrUnexpectedABI)
	}
	status, err := toUint64(out[9])
	if err != nil || status > 3 {
		return vesting.Record{}, fmt.Errorf("%w: status", ErrUnexpectedABI)
	}

	return vesting.Record{
		VestingID:       vestingID,
		Beneficiary:     beneficiary,
		Name:            name,
		Description:     desc,
		TotalAmount:     new(big.Int).Set(total),
		ClaimedAmount:   new(big.Int).Set(claimed),
		StartTime:       time.Unix(int64(times[0]), 0).UTC(),
		CliffDuration:   time.Duration(times[1]) * time.Second,
		VestingDuration: time.Duration(times[2]) * time.Second,
		Tranches:        uint32(tranches),
		Status:          vesting.Status(status + 1),
	}, nil
}

func UnpackUserReputation(account common.Address, data []byte) (vesting.Reputation, error) {
	out, err := unpack("getUserReputation", data, 2)
	if err != nil {
		return vesting.Reputation{}, err
	}
	score, err := toUint64(out[0])
	if err != nil {
		return vesting.Reputation{}, fmt.Errorf("%w: score: %v", ErrUnexpectedABI, err)
	}
	claims, err := toUint64(out[1])
	if err != nil {
		return vesting.Reputation{}, fmt.Errorf("%w: completedClaims: %v", ErrUnexpectedABI, err)
	}
	return vesting.Reputation{Account: account, Score: score, CompletedClaims: claims}, nil
}

// ParseVestingCreated extracts the new vesting id from createVesting receipt logs.
func ParseVestingCreated(logs []*types.Log, contract common.Address) (uint64, common.Address, error) {
	if err := initABI(); err != nil {
		return 0, common.Address{}, err
	}
	ev, ok := veilVestABI.Events["VestingCreated"]
	if !ok {
		return 0, common.Address{}, errors.New("vestingabi: missing VestingCreated event")
	}
	for _, lg := range logs {
		if lg == nil || lg.Address != contract {
			continue
		}
		if len(lg.Topics) < 3 || lg.Topics[0] != ev.ID {
			continue
		}
		id := new(big.Int).SetBytes(lg.Topics[1].Bytes())
		if !id.IsUint64() || id.Sign() == 0 {
			return 0, common.Address{}, fmt.Errorf("%w: vesting id out of range", ErrUnexpectedABI)
		}
		return id.Uint64(), common.BytesToAddress(lg.Topics[2].Bytes()), nil
	}
	return 0, common.Address{}, errors.New("vestingabi: VestingCreated event not found in receipt logs")
}

// Revert is a decoded contract revert.
type Revert struct {
	// Name is the custom error name, or "Error" for require-style reverts.
	Name    string
	Message string
	Args    []any
}

func (r Revert) String() string {
	if r.Message != "" {
		return r.Name + ": " + r.Message
	}
	return r.Name
}

// DecodeRevert decodes revert data into a known custom error or an Error(string) reason.
func DecodeRevert(data []byte) (Revert, bool) {
	if len(data) < 4 {
		return Revert{}, false
	}
	if msg, err := abi.UnpackRevert(data); err == nil {
		return Revert{Name: "Error", Message: msg}, true
	}
	if err := initABI(); err != nil {
		return Revert{}, false
	}
	for name, e := range veilVestABI.Errors {
		if !bytes.Equal(e.ID[:4], data[:4]) {
			continue
		}
		var args []any
		if len(e.Inputs) > 0 {
			v, err := e.Inputs.Unpack(data[4:])
			if err != nil {
				return Revert{}, false
			}
			args = v
		}
		return Revert{Name: name, Args: args}, true
	}
	return Revert{}, false
}

// ErrorSelector returns revert data for a custom error with no arguments or with the given args.
func ErrorSelector(name string, args ...any) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	e, ok := veilVestABI.Errors[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown error %q", ErrInvalidInput, name)
	}
	payload, err := e.Inputs.Pack(args...)
	if err != nil {
		return nil, fmt.Errorf("vestingabi: pack error %s: %w", name, err)
	}
	return append(append([]byte(nil), e.ID[:4]...), payload...), nil
}

func pack(method string, args ...any) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := veilVestABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("vestingabi: pack %s: %w", method, err)
	}
	return b, nil
}

func unpack(method string, data []byte, want int) ([]any, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	out, err := veilVestABI.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("vestingabi: unpack %s: %w", method, err)
	}
	if len(out) != want {
		return nil, fmt.Errorf("%w: %s returned %d values, want %d", ErrUnexpectedABI, method, len(out), want)
	}
	return out, nil
}

func seconds(d time.Duration) *big.Int {
	return big.NewInt(int64(d / time.Second))
}

func toUint64(v any) (uint64, error) {
	switch tv := v.(type) {
	case uint8:
		return uint64(tv), nil
	case uint16:
		return uint64(tv), nil
	case uint32:
		return uint64(tv), nil
	case uint64:
		return tv, nil
	case *big.Int:
		if tv.Sign() < 0 || !tv.IsUint64() {
			return 0, fmt.Errorf("value out of range: %s", tv.String())
		}
		return tv.Uint64(), nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}
