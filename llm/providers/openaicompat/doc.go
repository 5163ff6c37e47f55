// Package openaicompat implements llm.Provider for any endpoint that speaks
// the OpenAI Chat Completions format.
//
// The memory compressor only needs synchronous completions with
// response_format=json_object, so this client does not stream and does not
// send tools.
//
// Usage:
//
//	p := openaicompat.New(openaicompat.Config{
//	    ProviderName: "openai",
//	    APIKey:       cfg.APIKey,
//	    BaseURL:      "https://api.openai.com",
//	    DefaultModel: "gpt-4o-mini",
//	}, logger)
package openaicompat
