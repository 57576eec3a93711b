package backend

import (
	"slices"
	"strings"
	"unicode"

	types "github.com/sebas/agentphone/api/types/v1"
	"github.com/sebas/agentphone/internal/agent/apperr"
)

// Words older backend endpoints use instead of a success flag. Only consulted
// when the structured field is absent. Failure stems match any word they
// start ("failed", "disconnected"). Success words match whole words only.
var (
	failureStems  = []string{"fail", "error", "unable", "invalid", "denied", "busy", "disconnect", "reject", "timeout"}
	successWords  = []string{"success", "successful", "successfully", "ok", "initiated", "connected", "done", "held", "resumed"}
	failurePhrase = [2]string{"not", "found"}
)

// interpret turns a backend result into nil or a rejection.
func interpret(op string, res types.Result) error {
	if res.Success != nil {
		if *res.Success {
			return nil
		}
		return rejected(op, res.Message)
	}
	if messageSucceeded(res.Message) {
		return nil
	}
	return rejected(op, res.Message)
}

func messageSucceeded(msg string) bool {
	words := strings.FieldsFunc(strings.ToLower(msg), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, w := range words {
		for _, stem := range failureStems {
			if strings.HasPrefix(w, stem) {
				return false
			}
		}
		if i > 0 && words[i-1] == failurePhrase[0] && w == failurePhrase[1] {
			return false
		}
	}
	for _, w := range words {
		if slices.Contains(successWords, w) {
			return true
		}
	}
	return false
}

// rejected classifies a backend-reported failure.
func rejected(op, message string) error {
	if message == "" {
		message = "rejected by backend"
	}
	if strings.HasPrefix(op, "backend.conference") {
		code := apperr.CodeDialFailed
		lower := strings.ToLower(message)
		if strings.Contains(lower, "bridge") && strings.Contains(lower, "not found") {
			code = apperr.CodeBridgeNotFound
		}
		return apperr.Conferencef(op, code, "%s", message)
	}
	return &apperr.Error{Kind: apperr.KindSignaling, Op: op, Code: apperr.CodeRejected, Message: message}
}
