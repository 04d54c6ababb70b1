package batch

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"BatchSigner/internal/txn"
)

// Fingerprint 对有序意图列表做哈希，内容相同的列表总是得到相同指纹。
func Fingerprint(intents []txn.Intent) (string, error) {
	body, err := json.Marshal(intents)
	if err != nil {
		return "", fmt.Errorf("encode intents: %w", err)
	}
	return crypto.Keccak256Hash(body).Hex(), nil
}
