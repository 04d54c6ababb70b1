package compose

import (
	"strconv"

	xerrors "BatchSigner/internal/errors"
)

const (
	CodeSimulationFailed    xerrors.Code = "SIMULATION_FAILED"
	CodeGasEstimationFailed xerrors.Code = "GAS_ESTIMATION_FAILED"
	CodeEmptyBatch          xerrors.Code = "EMPTY_BATCH"
)

func init() {
	xerrors.Register(CodeSimulationFailed, xerrors.Attributes{
		Message:   "transaction simulation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeGasEstimationFailed, xerrors.Attributes{
		Message:   "gas estimation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeEmptyBatch, xerrors.Attributes{
		Message:   "batch has no intents",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// ErrEmptyBatch 表示待组装的批次为空。
var ErrEmptyBatch = xerrors.New(CodeEmptyBatch, "批次中没有交易意图")

func atIndex(i int) xerrors.Option {
	return xerrors.WithMetadata("index", strconv.Itoa(i))
}
