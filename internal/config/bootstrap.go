package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pilot-net/healthmon/pkg/types"
)

// Bootstrap lists definitions registered at startup. Field names follow the
// API's JSON names, so a definition can be copied between the two.
//
//	channels:
//	  - id: ops-slack
//	    name: ops
//	    type: slack
//	    enabled: true
//	    config:
//	      webhook_url: op://ops/slack/webhook
//	checks:
//	  - id: api
//	    name: api
//	    kind: http
//	    target: https://api.example.com/healthz
//	    enabled: true
//	    config: {interval_ms: 30000, timeout_ms: 5000}
//	rules:
//	  - name: api down
//	    enabled: true
//	    conditions: [{type: check-failed}]
//	    actions: [{type: slack}]
type Bootstrap struct {
	Channels []*types.NotificationChannel `json:"channels"`
	Checks   []*types.HealthCheck         `json:"checks"`
	Rules    []*types.AlertRule           `json:"rules"`
}

// LoadBootstrap reads a bootstrap file.
func LoadBootstrap(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bootstrap file: %w", err)
	}
	return ParseBootstrap(data)
}

// ParseBootstrap decodes YAML through the JSON shape of the domain types.
func ParseBootstrap(data []byte) (*Bootstrap, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing bootstrap file: %w", err)
	}
	b := &Bootstrap{}
	if doc == nil {
		return b, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("converting bootstrap file: %w", err)
	}
	if err := json.Unmarshal(raw, b); err != nil {
		return nil, fmt.Errorf("decoding bootstrap file: %w", err)
	}
	return b, nil
}
