package usecase

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MqtUA/ollamaverse/internal/domain"
)

// ErrorClassifier turns raw collaborator errors into user-facing error
// states. Every classified error carries a plain-language message and at
// least one suggested next action.
type ErrorClassifier struct{}

// NewErrorClassifier creates a new classifier.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// apiErrorPattern matches "API error <status_code>:" produced by the backend client.
var apiErrorPattern = regexp.MustCompile(`API error (\d+):`)

// Classify inspects an error and returns the ErrorState to record for the
// given subsystem.
func (c *ErrorClassifier) Classify(service string, err error) domain.ErrorState {
	if err == nil {
		return domain.ErrorState{Service: service, Kind: domain.KindUnknown, Timestamp: time.Now()}
	}

	kind := domain.KindOf(err)
	if kind == domain.KindUnknown {
		kind = c.classifyByString(err.Error())
	}

	return domain.ErrorState{
		Service:     service,
		Kind:        kind,
		Message:     messageFor(kind, err),
		Retryable:   kind.Retryable(),
		Suggestions: suggestionsFor(kind),
		Timestamp:   time.Now(),
	}
}

// classifyByString is the fallback for errors that carry no domain sentinel.
func (c *ErrorClassifier) classifyByString(errStr string) domain.ErrorKind {
	lower := strings.ToLower(errStr)

	if matches := apiErrorPattern.FindStringSubmatch(errStr); len(matches) == 2 {
		code, _ := strconv.Atoi(matches[1])
		if code == 408 || code == 504 {
			return domain.KindTimeout
		}
		return domain.KindAPI
	}

	for _, p := range []string{"timeout", "deadline exceeded", "timed out"} {
		if strings.Contains(lower, p) {
			return domain.KindTimeout
		}
	}
	for _, p := range []string{
		"connection refused", "no such host", "connection reset",
		"unreachable", "broken pipe", "eof",
	} {
		if strings.Contains(lower, p) {
			return domain.KindConnection
		}
	}
	for _, p := range []string{"invalid", "malformed", "out of range"} {
		if strings.Contains(lower, p) {
			return domain.KindValidation
		}
	}

	// Unclassified failures are treated as API errors: retryable, since a
	// transient backend fault is the common case for this system.
	return domain.KindAPI
}

func messageFor(kind domain.ErrorKind, err error) string {
	switch kind {
	case domain.KindConnection:
		return "Cannot reach the Ollama server: " + err.Error()
	case domain.KindTimeout:
		return "The request took too long: " + err.Error()
	case domain.KindAPI:
		return "The server reported an error: " + err.Error()
	case domain.KindValidation:
		return "Invalid input: " + err.Error()
	case domain.KindState:
		return "Internal state error: " + err.Error()
	case domain.KindUnavailable:
		return "Service temporarily unavailable: " + err.Error()
	default:
		return err.Error()
	}
}

func suggestionsFor(kind domain.ErrorKind) []string {
	switch kind {
	case domain.KindConnection:
		return []string{
			"Check that the Ollama server is running",
			"Verify the server address in settings",
		}
	case domain.KindTimeout:
		return []string{
			"Retry the request",
			"Increase the request timeout in settings",
		}
	case domain.KindAPI:
		return []string{
			"Retry the request",
			"Check the server logs for details",
		}
	case domain.KindValidation:
		return []string{"Review the provided values and try again"}
	case domain.KindState:
		return []string{"Reset the application state"}
	case domain.KindUnavailable:
		return []string{"Wait for the service to recover, then retry"}
	default:
		return []string{"Retry the request"}
	}
}
