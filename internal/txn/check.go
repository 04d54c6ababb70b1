package txn

// 余额与一致性检查项的编码。
const (
	CodeGasNotEnough       = 3001
	CodeSimulationReverted = 3002
	CodeGasLimitTooLow     = 3004
	CodeGasLimitBelowRec   = 3005
	CodeNonceBelowRec      = 3006
	MinGasLimit            = 21000
	checkLevelDanger       = "danger"
	checkLevelWarning      = "warning"
)

// CheckError 是随可用上下文一并返回给调用方的非致命检查项，不是 Go error。
type CheckError struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	Level string `json:"level"`
}

// NewCheckError 构造检查项。3001、3002 和 3004 为 danger，其余为 warning。
func NewCheckError(code int, msg string) CheckError {
	level := checkLevelWarning
	if code == CodeGasNotEnough || code == CodeSimulationReverted || code == CodeGasLimitTooLow {
		level = checkLevelDanger
	}
	return CheckError{Code: code, Msg: msg, Level: level}
}

// HasCode 判断是否存在指定编码的检查项。
func HasCode(errs []CheckError, code int) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}
