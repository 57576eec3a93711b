package call

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sebas/agentphone/internal/agent/apperr"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrConnectionFatal is returned by Dial while the re-authentication
	// modal is raised.
	ErrConnectionFatal = apperr.New(apperr.KindSignaling, "call.dial", apperr.CodeConnectionFatal,
		"connection lost, re-authenticate or return to login")

	// ErrInvalidState indicates an invalid state for the operation.
	ErrInvalidState = errors.New("invalid state for operation")
)

// DialError provides detail about a failed outbound dial.
type DialError struct {
	// Number is the dialed number.
	Number string
	// BridgeID is set when the backend created a bridge before failing.
	BridgeID string
	// Cause is the underlying error.
	Cause error
}

// Error returns the error message.
func (e *DialError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dial %s: %v", e.Number, e.Cause)
	}
	return fmt.Sprintf("dial %s: failed", e.Number)
}

// Unwrap returns the underlying error.
func (e *DialError) Unwrap() error {
	return e.Cause
}

// StateTransitionError indicates an invalid state transition was attempted.
type StateTransitionError struct {
	ID   string
	From Status
	To   Status
}

// Error returns the error message.
func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("call %s: cannot transition from %s to %s", e.ID, e.From, e.To)
}

// Unwrap returns ErrInvalidState.
func (e *StateTransitionError) Unwrap() error {
	return ErrInvalidState
}

var (
	dialNumberRE   = regexp.MustCompile(`^\+?[0-9]{3,15}$`)
	numberStripper = strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "")
	validate       = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("dialnumber", func(fl validator.FieldLevel) bool {
		return dialNumberRE.MatchString(numberStripper.Replace(fl.Field().String()))
	})
	return v
}

// NormalizeNumber validates a dialable number and strips its separators.
func NormalizeNumber(number string) (string, error) {
	number = strings.TrimSpace(number)
	if err := validate.Var(number, "required,dialnumber"); err != nil {
		return "", apperr.UserInputf("call.dial", apperr.CodeInvalidNumber, "invalid number %q", number)
	}
	return numberStripper.Replace(number), nil
}

// digits keeps only the decimal digits of s.
func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// sameNumber compares two identities by their digits. A shorter identity of
// at least seven digits matches the tail of a longer one so that a national
// number matches its international form.
func sameNumber(a, b string) bool {
	da, db := digits(a), digits(b)
	if da == "" || db == "" {
		return false
	}
	if da == db {
		return true
	}
	if len(da) > len(db) {
		da, db = db, da
	}
	return len(da) >= 7 && strings.HasSuffix(db, da)
}
