package llmrouter

import (
	"strings"

	"nexus/internal/nexuserr"
)

// ClassifyHTTPError normalizes a provider's HTTP status and optional parsed
// JSON error body into the shared LLM error taxonomy. Providers differ in
// which fields carry the distinguishing detail, so each gets its own
// sub-classifier below; this is the single place normalization happens, not
// spread across each adapter.
func ClassifyHTTPError(provider string, statusCode int, body map[string]any) nexuserr.Code {
	switch provider {
	case "openai":
		return classifyOpenAI(statusCode, body)
	case "anthropic":
		return classifyAnthropic(statusCode, body)
	case "gemini":
		return classifyGemini(statusCode, body)
	default:
		return nexuserr.CodeLLMProviderDown
	}
}

func classifyOpenAI(status int, body map[string]any) nexuserr.Code {
	switch {
	case status == 401 || status == 403:
		return nexuserr.CodeLLMInvalidKey
	case status == 429:
		return nexuserr.CodeLLMRateLimit
	case status == 404:
		return nexuserr.CodeModelNotAvailable
	case status >= 500:
		return nexuserr.CodeLLMProviderDown
	}
	if status == 400 && body != nil {
		errObj, _ := body["error"].(map[string]any)
		code, _ := errObj["code"].(string)
		msg := strings.ToLower(stringField(errObj, "message"))
		if code == "context_length_exceeded" || strings.Contains(msg, "maximum context length") {
			return nexuserr.CodeLLMContextTooLarge
		}
		if strings.Contains(msg, "model") && strings.Contains(msg, "not found") {
			return nexuserr.CodeModelNotAvailable
		}
	}
	return nexuserr.CodeLLMProviderDown
}

func classifyAnthropic(status int, body map[string]any) nexuserr.Code {
	switch {
	case status == 401 || status == 403:
		return nexuserr.CodeLLMInvalidKey
	case status == 429:
		return nexuserr.CodeLLMRateLimit
	case status == 404:
		return nexuserr.CodeModelNotAvailable
	case status >= 500:
		return nexuserr.CodeLLMProviderDown
	}
	if status == 400 && body != nil {
		errObj, _ := body["error"].(map[string]any)
		errType, _ := errObj["type"].(string)
		msg := strings.ToLower(stringField(errObj, "message"))
		if errType == "invalid_request_error" && strings.Contains(msg, "too long") {
			return nexuserr.CodeLLMContextTooLarge
		}
	}
	return nexuserr.CodeLLMProviderDown
}

func classifyGemini(status int, body map[string]any) nexuserr.Code {
	bodyStr := strings.ToLower(stringifyBody(body))

	switch {
	case strings.Contains(bodyStr, "api_key_invalid"):
		return nexuserr.CodeLLMInvalidKey
	case status == 401 || status == 403:
		return nexuserr.CodeLLMInvalidKey
	case status == 429 || strings.Contains(bodyStr, "resource_exhausted"):
		return nexuserr.CodeLLMRateLimit
	case strings.Contains(bodyStr, "exceeds the maximum"):
		return nexuserr.CodeLLMContextTooLarge
	case status == 404 || strings.Contains(bodyStr, "model not found"):
		return nexuserr.CodeModelNotAvailable
	case status >= 500:
		return nexuserr.CodeLLMProviderDown
	}
	return nexuserr.CodeLLMProviderDown
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func stringifyBody(body map[string]any) string {
	if body == nil {
		return ""
	}
	var b strings.Builder
	for k, v := range body {
		b.WriteString(k)
		b.WriteString(":")
		switch val := v.(type) {
		case string:
			b.WriteString(val)
		case map[string]any:
			b.WriteString(stringifyBody(val))
		}
		b.WriteString(" ")
	}
	return b.String()
}
