// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"time"

	flerrors "grimm.is/sniproxy/internal/errors"
	"grimm.is/sniproxy/internal/logging"
)

// Result is the outcome of running the config pipeline once.
type Result struct {
	Rules     []RuleSpec
	Warnings  []string
	Duration  time.Duration
	Timestamp time.Time
}

// Pipeline runs the staged load: syntax-validation (YAML decode) →
// semantic-validation (per-rule Build) → the caller then compiles Rules
// into a RuleStore. A syntax failure is a whole-document ConfigParse
// error (§7 kind 1): the caller must keep its previous rule store. A
// semantic failure on one rule is logged and that rule alone is dropped
// (§7 kind 2); the rest of the document still loads.
type Pipeline struct {
	logger   *logging.Logger
	readFile func(string) ([]byte, error)
}

// NewPipeline constructs a Pipeline. readFile resolves "@path" references
// in ip_allow; pass nil to use os.ReadFile.
func NewPipeline(logger *logging.Logger, readFile func(string) ([]byte, error)) *Pipeline {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig()).WithComponent("ssl_load")
	}
	if readFile == nil {
		readFile = os.ReadFile
	}
	return &Pipeline{logger: logger, readFile: readFile}
}

// Load runs the full pipeline over a YAML document's bytes.
func (p *Pipeline) Load(data []byte) (*Result, error) {
	start := time.Now()

	doc, warnings, err := ParseDocument(data)
	if err != nil {
		return nil, flerrors.Wrap(err, flerrors.KindConfigParse, "ssl_load: config syntax error")
	}

	result := &Result{Warnings: warnings, Timestamp: start}

	for i, raw := range doc.SNI {
		spec, ruleWarnings, err := Build(raw, uint32(i), p.readFile)
		result.Warnings = append(result.Warnings, ruleWarnings...)
		if err != nil {
			p.logger.Warn("dropping rule that failed semantic validation",
				"fqdn", raw.FQDN, "rank", i, "error", err.Error())
			continue
		}
		result.Rules = append(result.Rules, *spec)
	}

	result.Duration = time.Since(start)
	return result, nil
}

// LoadFile reads path and runs Load over its contents.
func (p *Pipeline) LoadFile(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, flerrors.Wrap(err, flerrors.KindConfigParse, "ssl_load: reading config file")
	}
	return p.Load(data)
}
