package pricing

import (
	"fmt"
	"strings"
	"sync"

	decimal "github.com/shopspring/decimal"
)

// ModelPrice holds USD prices per million input/output tokens.
type ModelPrice struct {
	InputPerMillion  decimal.Decimal
	OutputPerMillion decimal.Decimal
}

// Entry is a configuration-sourced pricing row.
type Entry struct {
	Model            string
	InputPerMillion  float64
	OutputPerMillion float64
}

const fallbackModel = "gpt-4o-mini"

// builtinPrices seeds the table so cost attribution works before any
// configuration is applied. Rates are per million tokens.
var builtinPrices = map[string]ModelPrice{
	"gpt-4o":        {InputPerMillion: decimal.NewFromFloat(2.50), OutputPerMillion: decimal.NewFromFloat(10.0)},
	"gpt-4o-mini":   {InputPerMillion: decimal.NewFromFloat(0.15), OutputPerMillion: decimal.NewFromFloat(0.60)},
	"gpt-4.1":       {InputPerMillion: decimal.NewFromFloat(2.00), OutputPerMillion: decimal.NewFromFloat(8.0)},
	"gpt-4.1-mini":  {InputPerMillion: decimal.NewFromFloat(0.40), OutputPerMillion: decimal.NewFromFloat(1.60)},
	"o4-mini":       {InputPerMillion: decimal.NewFromFloat(1.10), OutputPerMillion: decimal.NewFromFloat(4.40)},
	"gpt-3.5-turbo": {InputPerMillion: decimal.NewFromFloat(0.50), OutputPerMillion: decimal.NewFromFloat(1.50)},
}

// Estimator maps (input tokens, output tokens, model) to a USD cost.
//
// Cost estimation is advisory: it feeds the usage log and financial
// reporting, never an admission decision. Unknown models therefore fall
// back to the default model's pricing instead of erroring.
type Estimator struct {
	mu           sync.RWMutex
	prices       map[string]ModelPrice
	defaultModel string
}

// NewEstimator builds the pricing table from the built-in rates plus any
// configured overrides. An empty defaultModel keeps the built-in fallback.
func NewEstimator(entries []Entry, defaultModel string) (*Estimator, error) {
	prices := make(map[string]ModelPrice, len(builtinPrices)+len(entries))
	for model, price := range builtinPrices {
		prices[model] = price
	}
	for i, e := range entries {
		model := normalizeModel(e.Model)
		if model == "" {
			return nil, fmt.Errorf("pricing[%d]: model must be provided", i)
		}
		if e.InputPerMillion < 0 || e.OutputPerMillion < 0 {
			return nil, fmt.Errorf("pricing[%d]: prices must be >= 0", i)
		}
		prices[model] = ModelPrice{
			InputPerMillion:  decimal.NewFromFloat(e.InputPerMillion),
			OutputPerMillion: decimal.NewFromFloat(e.OutputPerMillion),
		}
	}

	def := normalizeModel(defaultModel)
	if def == "" {
		def = fallbackModel
	}
	if _, ok := prices[def]; !ok {
		return nil, fmt.Errorf("default pricing model %q has no price entry", def)
	}
	return &Estimator{prices: prices, defaultModel: def}, nil
}

// EstimateUSD returns the cost as a decimal USD amount, never negative.
func (e *Estimator) EstimateUSD(inputTokens, outputTokens int64, model string) decimal.Decimal {
	if e == nil {
		return decimal.Zero
	}
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}

	price := e.priceFor(model)
	million := decimal.NewFromInt(1_000_000)
	inputCost := price.InputPerMillion.Mul(decimal.NewFromInt(inputTokens)).Div(million)
	outputCost := price.OutputPerMillion.Mul(decimal.NewFromInt(outputTokens)).Div(million)
	total := inputCost.Add(outputCost)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

// EstimateUSDMicros returns the cost in integer micro-dollars, the unit the
// usage log stores.
func (e *Estimator) EstimateUSDMicros(inputTokens, outputTokens int64, model string) int64 {
	usd := e.EstimateUSD(inputTokens, outputTokens, model)
	return usd.Mul(decimal.NewFromInt(1_000_000)).Round(0).IntPart()
}

// SetPrices replaces or adds entries at runtime (billing config refresh).
func (e *Estimator) SetPrices(entries []Entry) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range entries {
		model := normalizeModel(entry.Model)
		if model == "" || entry.InputPerMillion < 0 || entry.OutputPerMillion < 0 {
			continue
		}
		e.prices[model] = ModelPrice{
			InputPerMillion:  decimal.NewFromFloat(entry.InputPerMillion),
			OutputPerMillion: decimal.NewFromFloat(entry.OutputPerMillion),
		}
	}
}

func (e *Estimator) priceFor(model string) ModelPrice {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if price, ok := e.prices[normalizeModel(model)]; ok {
		return price
	}
	return e.prices[e.defaultModel]
}

func normalizeModel(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
