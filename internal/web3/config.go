package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"BatchSigner/internal/txn"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint and its capabilities.
type ChainDefinition struct {
	Type         string `yaml:"type"`
	ChainID      uint64 `yaml:"chain_id"`
	RPCURL       string `yaml:"rpc_url"`
	EIP1559      bool   `yaml:"eip1559"`
	CustomRPC    bool   `yaml:"custom_rpc"`
	NativeSymbol string `yaml:"native_symbol"`
	Description  string `yaml:"description"`
}

// Info converts the definition into the capabilities the pipeline reads.
func (d ChainDefinition) Info(name string) txn.ChainInfo {
	symbol := d.NativeSymbol
	if symbol == "" {
		symbol = "ETH"
	}
	return txn.ChainInfo{
		ChainID:      d.ChainID,
		Name:         name,
		EIP1559:      d.EIP1559,
		CustomRPC:    d.CustomRPC,
		NativeSymbol: symbol,
	}
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes chain metadata and checks that chain ids are
// present and unique.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	seen := make(map[uint64]string, len(defs.Chains))
	for name, def := range defs.Chains {
		if def.ChainID == 0 {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 chain_id", name)
		}
		if other, ok := seen[def.ChainID]; ok {
			return ChainDefinitions{}, fmt.Errorf("链 %s 与 %s 使用了相同的 chain_id %d", name, other, def.ChainID)
		}
		seen[def.ChainID] = name
	}
	return defs, nil
}
