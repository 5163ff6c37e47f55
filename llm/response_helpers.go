package llm

import (
	"fmt"
	"strings"
)

// FirstChoice safely returns the first choice from a ChatResponse.
// Returns an error if the response is nil or has no choices.
func FirstChoice(resp *ChatResponse) (ChatChoice, error) {
	if resp == nil {
		return ChatChoice{}, &Error{Code: ErrEmptyResponse, Message: "nil ChatResponse", Retryable: true}
	}
	if len(resp.Choices) == 0 {
		return ChatChoice{}, &Error{
			Code:      ErrEmptyResponse,
			Message:   fmt.Sprintf("empty choices in ChatResponse from %s", resp.Provider),
			Retryable: true,
			Provider:  resp.Provider,
		}
	}
	return resp.Choices[0], nil
}

// FirstContent returns the trimmed content of the first choice.
func FirstContent(resp *ChatResponse) (string, error) {
	choice, err := FirstChoice(resp)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(choice.Message.Content), nil
}

// StripCodeFence 去掉模型偶尔包裹在 JSON 外层的 ``` 代码块标记。
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
