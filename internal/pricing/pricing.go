// Package pricing maps model names to token prices. The table lives in
// config/models.yaml; unknown models fall back to the default rate and are
// counted so operators notice drift.
package pricing

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/capsuleforge/orchestrator/internal/metrics"
)

type modelPrice struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

type table struct {
	Pricing struct {
		Defaults struct {
			InputPer1K  float64 `yaml:"input_per_1k"`
			OutputPer1K float64 `yaml:"output_per_1k"`
		} `yaml:"defaults"`
		Models map[string]map[string]modelPrice `yaml:"models"`
	} `yaml:"pricing"`
}

var (
	mu          sync.RWMutex
	loaded      *table
	initialized bool
)

var defaultPaths = []string{
	os.Getenv("MODELS_CONFIG_PATH"),
	"/app/config/models.yaml",
	"./config/models.yaml",
}

// Fallback rates when no table is found at all, roughly a mid-tier model.
const (
	fallbackInputPer1K  = 0.0005
	fallbackOutputPer1K = 0.0015
)

func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "models.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

func loadLocked() {
	var cfg table
	for _, p := range defaultPaths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp table
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			continue
		}
		cfg = tmp
		break
	}
	if len(cfg.Pricing.Models) == 0 && cfg.Pricing.Defaults.InputPer1K == 0 {
		if path, ok := findUpConfig(); ok {
			if data, err := os.ReadFile(path); err == nil {
				var tmp table
				if err := yaml.Unmarshal(data, &tmp); err == nil {
					cfg = tmp
				}
			}
		}
	}
	loaded = &cfg
	initialized = true
}

func get() *table {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return loaded
}

// Reload forces a re-read of the pricing table.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}

// LoadFromBytes replaces the table with an in-memory document. Test hook.
func LoadFromBytes(data []byte) error {
	var tmp table
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return fmt.Errorf("parse pricing table: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	loaded = &tmp
	initialized = true
	return nil
}

// Rates returns the per-1K input and output rates for a model, and whether
// the model was found in the table.
func Rates(model string) (inputPer1K, outputPer1K float64, known bool) {
	cfg := get()
	if model != "" {
		for _, models := range cfg.Pricing.Models {
			if m, ok := models[model]; ok {
				return m.InputPer1K, m.OutputPer1K, true
			}
		}
	}
	in := cfg.Pricing.Defaults.InputPer1K
	out := cfg.Pricing.Defaults.OutputPer1K
	if in == 0 {
		in = fallbackInputPer1K
	}
	if out == 0 {
		out = fallbackOutputPer1K
	}
	return in, out, false
}

// Round6 truncates to six decimal places, the ledger's USD precision.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// CostForSplit returns the input, output and total USD cost for a call,
// rounded to six decimals. Negative token counts are treated as zero.
func CostForSplit(model string, inputTokens, outputTokens int) (inUSD, outUSD, totalUSD float64, known bool) {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	inRate, outRate, known := Rates(model)
	if !known {
		if model == "" {
			metrics.PricingFallbacks.WithLabelValues("missing_model").Inc()
		} else {
			metrics.PricingFallbacks.WithLabelValues("unknown_model").Inc()
		}
	}
	inUSD = Round6(float64(inputTokens) / 1000.0 * inRate)
	outUSD = Round6(float64(outputTokens) / 1000.0 * outRate)
	return inUSD, outUSD, Round6(inUSD + outUSD), known
}
