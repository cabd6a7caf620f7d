package store

import (
	"encoding/json"

	"github.com/sentryd/sentryd/internal/model"
)

func manifestJSON(m model.RollbackManifest) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
