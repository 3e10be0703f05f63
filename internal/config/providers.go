package config

// ProviderConfig holds the connection settings for one upstream knowledge
// source. A provider with an empty APIKey is treated as unconfigured; its
// adapter reports a credential error instead of calling upstream.
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key" json:"api_key"` // SENSITIVE: masked in MarshalJSON
	BaseURL string `mapstructure:"base_url" json:"base_url"`
}

// Providers groups the upstream knowledge-source configurations.
//
//   - Exa: semantic web search
//   - Perplexity: AI-answer search
//   - Wikipedia: encyclopedic lookup (no credential required)
//   - Market: market-data feed (quotes, candles, symbol catalog)
type Providers struct {
	Exa        ProviderConfig `mapstructure:"exa" json:"exa"`
	Perplexity ProviderConfig `mapstructure:"perplexity" json:"perplexity"`
	Wikipedia  ProviderConfig `mapstructure:"wikipedia" json:"wikipedia"`
	Market     ProviderConfig `mapstructure:"market" json:"market"`
}
