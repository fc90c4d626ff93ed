package contract

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const revertPrefix = "execution reverted"

// RevertError carries the reason string of a reverted contract call
type RevertError struct {
	Reason string
	TxHash common.Hash
}

func (e *RevertError) Error() string {
	if e.TxHash != (common.Hash{}) {
		return fmt.Sprintf("%s: %s (tx %s)", revertPrefix, e.Reason, e.TxHash.Hex())
	}
	return fmt.Sprintf("%s: %s", revertPrefix, e.Reason)
}

func (e *RevertError) Unwrap() error {
	return ErrReverted
}

// RevertReason extracts the contract revert reason from err, if any.
// Node errors carry the ABI encoded Error(string) payload as error data; when only
// the message is available the text after "execution reverted: " is used.
func RevertReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var revertErr *RevertError
	if errors.As(err, &revertErr) {
		return revertErr.Reason, revertErr.Reason != ""
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason, ok := unpackRevertData(dataErr.ErrorData()); ok {
			return reason, true
		}
	}

	msg := err.Error()
	idx := strings.Index(msg, revertPrefix+": ")
	if idx < 0 {
		return "", false
	}
	reason := strings.TrimSpace(msg[idx+len(revertPrefix)+2:])
	return reason, reason != ""
}

func unpackRevertData(data interface{}) (string, bool) {
	var raw []byte
	switch v := data.(type) {
	case string:
		decoded, err := hexutil.Decode(v)
		if err != nil {
			return "", false
		}
		raw = decoded
	case []byte:
		raw = v
	default:
		return "", false
	}

	reason, err := abi.UnpackRevert(raw)
	if err != nil || reason == "" {
		return "", false
	}
	return reason, true
}
