// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package notify

import (
	"bytes"
	"encoding/json"

	"github.com/geodb/irwi/pkg/log"
)

// Config holds the configuration for connecting to a NATS server.
type Config struct {
	Address       string `json:"address"`         // NATS server address (e.g., "nats://localhost:4222")
	Username      string `json:"username"`        // Username for authentication (optional)
	Password      string `json:"password"`        // Password for authentication (optional)
	CredsFilePath string `json:"creds-file-path"` // Path to credentials file (optional)
	Subject       string `json:"subject"`         // Subject events are published under, default "irwi.events"
}

const ConfigSchema = `{
    "type": "object",
    "description": "Configuration for the optional tree event publisher.",
    "properties": {
        "address": {
            "description": "Address of the NATS server (e.g., 'nats://localhost:4222').",
            "type": "string"
        },
        "username": {
            "description": "Username for NATS authentication (optional).",
            "type": "string"
        },
        "password": {
            "description": "Password for NATS authentication (optional).",
            "type": "string"
        },
        "creds-file-path": {
            "description": "Path to NATS credentials file for authentication (optional).",
            "type": "string"
        },
        "subject": {
            "description": "Subject events are published under (default 'irwi.events').",
            "type": "string"
        }
    },
    "required": ["address"]
}`

// ParseConfig decodes rawConfig into a Config. A nil rawConfig yields a
// zero Config, which Connect treats as "publishing disabled" (§5: the
// engine never requires a notifier to make progress).
func ParseConfig(rawConfig json.RawMessage) (Config, error) {
	var cfg Config
	if rawConfig == nil {
		return cfg, nil
	}
	dec := json.NewDecoder(bytes.NewReader(rawConfig))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		log.Errorf("notify: parse config: %v", err)
		return cfg, err
	}
	if cfg.Subject == "" {
		cfg.Subject = "irwi.events"
	}
	return cfg, nil
}
