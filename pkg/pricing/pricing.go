// Package pricing converts metered AI token usage into money using a
// per-model rate table loaded from YAML.
//
//	models:
//	  - provider: anthropic
//	    model: claude-sonnet
//	    input_per_million: "3.00"
//	    output_per_million: "15.00"
package pricing

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ErrUnknownModel is returned when no rate exists for a provider/model
var ErrUnknownModel = errors.New("no rate for model")

var million = decimal.NewFromInt(1_000_000)

// costPrecision is the number of decimal places costs are rounded to,
// matching NUMERIC(20, 6) storage
const costPrecision = 6

// Rate is the price of one million input and output tokens
type Rate struct {
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	InputPerMillion  decimal.Decimal `json:"input_per_million"`
	OutputPerMillion decimal.Decimal `json:"output_per_million"`
}

// Table maps provider/model pairs to rates
type Table struct {
	rates map[string]Rate
}

type tableFile struct {
	Models []struct {
		Provider         string `yaml:"provider"`
		Model            string `yaml:"model"`
		InputPerMillion  string `yaml:"input_per_million"`
		OutputPerMillion string `yaml:"output_per_million"`
	} `yaml:"models"`
}

func key(provider, model string) string {
	return strings.ToLower(provider) + "/" + strings.ToLower(model)
}

// NewTable builds a table from rates
func NewTable(rates ...Rate) *Table {
	t := &Table{rates: make(map[string]Rate, len(rates))}
	for _, r := range rates {
		t.rates[key(r.Provider, r.Model)] = r
	}
	return t
}

// Load reads a rate table file
func Load(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing table: %w", err)
	}
	return Parse(raw)
}

// Parse builds a rate table from YAML bytes
func Parse(raw []byte) (*Table, error) {
	var file tableFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pricing table: %w", err)
	}

	rates := make([]Rate, 0, len(file.Models))
	for i, m := range file.Models {
		if m.Provider == "" || m.Model == "" {
			return nil, fmt.Errorf("pricing entry %d: provider and model are required", i)
		}
		in, err := parseRate(m.InputPerMillion)
		if err != nil {
			return nil, fmt.Errorf("pricing entry %s/%s input: %w", m.Provider, m.Model, err)
		}
		out, err := parseRate(m.OutputPerMillion)
		if err != nil {
			return nil, fmt.Errorf("pricing entry %s/%s output: %w", m.Provider, m.Model, err)
		}
		rates = append(rates, Rate{Provider: m.Provider, Model: m.Model, InputPerMillion: in, OutputPerMillion: out})
	}
	return NewTable(rates...), nil
}

func parseRate(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("rate must not be negative")
	}
	return d, nil
}

// Rate returns the rate for a provider/model pair. Lookups are case-insensitive.
func (t *Table) Rate(provider, model string) (Rate, bool) {
	r, ok := t.rates[key(provider, model)]
	return r, ok
}

// Cost prices a usage event, rounded to six decimal places
func (t *Table) Cost(provider, model string, inputTokens, outputTokens int64) (decimal.Decimal, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return decimal.Zero, fmt.Errorf("token counts must not be negative")
	}
	r, ok := t.Rate(provider, model)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrUnknownModel, provider, model)
	}
	cost := r.InputPerMillion.Mul(decimal.NewFromInt(inputTokens)).
		Add(r.OutputPerMillion.Mul(decimal.NewFromInt(outputTokens))).
		Div(million)
	return cost.Round(costPrecision), nil
}
