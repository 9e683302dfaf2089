package config

import (
	"time"

	"github.com/m4xw311/iabuilder/session"
)

type modelProfile struct {
	requests int
	tokens   int
	context  int
}

// Budgets sit well below the backends' advertised limits so estimation
// error never pushes a call over.
var knownModels = map[string]modelProfile{
	// Groq free tier.
	"llama-3.3-70b-versatile":                       {20, 8_000, 128_000},
	"llama-3.1-8b-instant":                          {20, 4_000, 128_000},
	"meta-llama/llama-4-maverick-17b-128e-instruct": {20, 4_000, 128_000},
	"meta-llama/llama-4-scout-17b-16e-instruct":     {20, 20_000, 128_000},
	"qwen/qwen3-32b":                                {40, 4_000, 128_000},
	"openai/gpt-oss-120b":                           {20, 5_600, 128_000},
	"openai/gpt-oss-20b":                            {20, 5_600, 128_000},
	"moonshotai/kimi-k2-instruct":                   {40, 7_000, 128_000},
	"mixtral-8x7b-32768":                            {20, 3_500, 32_768},
	"gemma2-9b-it":                                  {20, 10_000, 8_192},

	// Anthropic.
	"claude-sonnet-4-5-20250929": {40, 30_000, 200_000},
	"claude-haiku-4-5-20251001":  {40, 40_000, 200_000},
	"claude-3-5-sonnet-20241022": {40, 30_000, 200_000},

	// OpenAI.
	"gpt-4o":      {350, 21_000, 128_000},
	"gpt-4o-mini": {350, 140_000, 128_000},
	"gpt-4":       {350, 7_000, 8_192},

	// Google.
	"gemini-2.0-flash": {10, 700_000, 1_048_576},
	"gemini-1.5-pro":   {2, 22_000, 2_097_152},

	"deepseek-chat":        {40, 50_000, 64_000},
	"deepseek-reasoner":    {40, 50_000, 64_000},
	"mistral-large-latest": {20, 50_000, 128_000},
	"mistral-small-latest": {20, 50_000, 32_000},
}

// parallelTools lists models known to handle several tool calls in one
// reply. Everything else gets one call per round.
var parallelTools = map[string]bool{
	"llama-3.3-70b-versatile":                       true,
	"meta-llama/llama-4-maverick-17b-128e-instruct": true,
	"meta-llama/llama-4-scout-17b-16e-instruct":     true,
	"qwen/qwen3-32b":                                true,
	"moonshotai/kimi-k2-instruct":                   true,
	"claude-sonnet-4-5-20250929":                    true,
	"claude-haiku-4-5-20251001":                     true,
	"claude-3-5-sonnet-20241022":                    true,
	"gpt-4o":                                        true,
	"gpt-4o-mini":                                   true,
	"gemini-2.0-flash":                              true,
	"gemini-1.5-pro":                                true,
	"deepseek-chat":                                 true,
	"mistral-large-latest":                          true,
	"mistral-small-latest":                          true,
}

// noTools lists chat models that reject tool definitions.
var noTools = map[string]bool{
	"deepseek-reasoner": true,
}

var unknownModel = modelProfile{requests: 20, tokens: 8_000, context: 128_000}

const defaultWindow = time.Minute

// ResolveIdentity builds the ModelIdentity for backend/model from the
// built-in table, applying any overrides from the configuration.
func (c *Config) ResolveIdentity(backend, model string) session.ModelIdentity {
	p, ok := knownModels[model]
	if !ok {
		p = unknownModel
	}
	id := session.ModelIdentity{
		Backend: backend,
		Model:   model,
		Budget: session.BudgetProfile{
			Requests: p.requests,
			Tokens:   p.tokens,
			Window:   defaultWindow,
		},
		ContextLimit: p.context,
		Capabilities: session.Capabilities{
			NoTools:     noTools[model],
			SerialTools: !parallelTools[model],
		},
	}

	o, ok := c.Models[model]
	if !ok {
		return id
	}
	if o.RequestsPerWindow > 0 {
		id.Budget.Requests = o.RequestsPerWindow
	}
	if o.TokensPerWindow > 0 {
		id.Budget.Tokens = o.TokensPerWindow
	}
	if o.Window > 0 {
		id.Budget.Window = o.Window
	}
	if o.ContextLimit > 0 {
		id.ContextLimit = o.ContextLimit
	}
	if o.SupportsTools != nil {
		id.Capabilities.NoTools = !*o.SupportsTools
	}
	if o.SupportsParallelTools != nil {
		id.Capabilities.SerialTools = !*o.SupportsParallelTools
	}
	return id
}
