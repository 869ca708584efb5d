package sandboxpool

import (
	"encoding/json"

	"github.com/R3E-Network/agent-orchestrator/internal/domain"
)

func encodeSandbox(sb domain.Sandbox) (string, error) {
	data, err := json.Marshal(sb)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeSandbox(raw string) (domain.Sandbox, error) {
	var sb domain.Sandbox
	err := json.Unmarshal([]byte(raw), &sb)
	return sb, err
}
