package dispatch

import (
	"errors"
	"net/http"

	"pairchat/pkg/interfaces"
	"pairchat/pkg/types"
)

// Dispatcher-specific error types
var (
	ErrPrincipalMismatch  = errors.New("request user does not match authenticated principal")
	ErrConnectionMismatch = errors.New("sender record does not own the calling connection")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrMessageIDConflict  = errors.New("message id already used by another sender")
)

// Kind buckets every dispatcher failure for the error event and for logging.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindIntegrity
	KindAuth
	KindNotFound
	KindConflict
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindIntegrity:
		return "integrity"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// Code is the HTTP-style status carried in error events and REST responses.
func (k Kind) Code() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindIntegrity:
		return http.StatusForbidden
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

var kindsByError = []struct {
	kind Kind
	errs []error
}{
	{KindValidation, []error{
		types.ErrMissingAction, types.ErrUnknownAction, types.ErrMissingData, types.ErrMalformedData,
		types.ErrInvalidUserID, types.ErrInvalidChatID, types.ErrInvalidMessage, types.ErrEmptyContent,
		types.ErrContentTooLarge, types.ErrInvalidSentAt, types.ErrSentAtOutOfRange, types.ErrInvalidLimit, types.ErrInvalidCursor,
	}},
	{KindIntegrity, []error{ErrPrincipalMismatch, ErrConnectionMismatch, interfaces.ErrNotParticipant, interfaces.ErrUnauthorized}},
	{KindAuth, []error{interfaces.ErrAuthInvalid}},
	{KindNotFound, []error{interfaces.ErrUserNotFound, interfaces.ErrConversationNotFound, interfaces.ErrMessageNotFound}},
	{KindConflict, []error{
		interfaces.ErrConversationEnded, interfaces.ErrAlreadyInConversation,
		interfaces.ErrProgressionComplete, ErrMessageIDConflict,
	}},
	{KindRateLimited, []error{ErrRateLimitExceeded}},
}

// Classify maps err to its Kind; anything unrecognised is internal.
func Classify(err error) Kind {
	for _, group := range kindsByError {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.kind
			}
		}
	}
	return KindInternal
}

// PublicMessage is the error text sent to clients. Internal failures are not
// described beyond their kind.
func PublicMessage(err error) string {
	if Classify(err) == KindInternal {
		return "internal error"
	}
	return err.Error()
}
