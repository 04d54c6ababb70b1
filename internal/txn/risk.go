package txn

import "encoding/json"

// ActionMulti 表示包含多个子动作的解析结果。
const ActionMulti = "multiAction"

// ParsedAction 是风控引擎对交易行为的描述。
type ParsedAction struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Actions     []ParsedAction  `json:"actions,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// IsMulti 判断动作是否拆分为子动作。
func (a ParsedAction) IsMulti() bool {
	return a.Type == ActionMulti && len(a.Actions) > 0
}

// RequiredData 是风控规则针对某个动作需要的链上数据。
type RequiredData = json.RawMessage

// RiskContext 是一次规则评估的输入。
type RiskContext struct {
	ChainID uint64       `json:"chainId"`
	Origin  string       `json:"origin,omitempty"`
	Tx      TxPayload    `json:"tx"`
	Action  ParsedAction `json:"action"`
	Data    RequiredData `json:"data,omitempty"`
}

// RiskResult 是一条规则的结论。
type RiskResult struct {
	RuleID      string `json:"ruleId"`
	Level       string `json:"level"`
	Description string `json:"description,omitempty"`
}

// SecurityResult 是批次最后一笔交易的尽力而为风控结论。多动作交易的 Sub*
// 切片与子动作一一对应，主字段取第一个子动作的结果。
type SecurityResult struct {
	Action          ParsedAction   `json:"action"`
	RequiredData    RequiredData   `json:"requiredData,omitempty"`
	Results         []RiskResult   `json:"results"`
	SubActions      []ParsedAction `json:"subActions,omitempty"`
	SubRequiredData []RequiredData `json:"subRequiredData,omitempty"`
	SubResults      [][]RiskResult `json:"subResults,omitempty"`
}
