package chequier

import (
	"context"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// Stable machine readable kinds reported to callers.
const (
	TextCodeValidation       = "VALIDATION_ERROR"
	TextCodeAuthentication   = "AUTHENTICATION_ERROR"
	TextCodeAuthMissing      = "AUTH_MISSING"
	TextCodeTokenMalformed   = "TOKEN_MALFORMED"
	TextCodeSignatureInvalid = "TOKEN_SIGNATURE_INVALID"
	TextCodeTokenExpired     = "TOKEN_EXPIRED"
	TextCodeUnknownIdentity  = "UNKNOWN_IDENTITY"
	TextCodeForbidden        = "FORBIDDEN"
	TextCodeNotFound         = "NOT_FOUND"
	TextCodeConflict         = "CONFLICT"
	TextCodeInvalidState     = "INVALID_STATE"
	TextCodeCancelled        = "REQUEST_CANCELLED"
	TextCodeTimeout          = "REQUEST_TIMEOUT"
	TextCodeInternal         = "INTERNAL_ERROR"
)

const genericInternalMessage = "an unexpected error occurred"

// ErrValidation reports malformed input.
func ErrValidation(msg string, meta ...map[string]any) *goerrors.Error {
	return build(msg, goerrors.CategoryValidation, TextCodeValidation, goerrors.CodeBadRequest, meta)
}

// ErrAuthentication reports bad credentials.
func ErrAuthentication(msg string, meta ...map[string]any) *goerrors.Error {
	return build(msg, goerrors.CategoryAuth, TextCodeAuthentication, goerrors.CodeUnauthorized, meta)
}

// ErrAuthMissing reports an absent or malformed Authorization header.
func ErrAuthMissing() *goerrors.Error {
	return build("missing or malformed bearer credentials", goerrors.CategoryAuth, TextCodeAuthMissing, goerrors.CodeUnauthorized, nil)
}

// ErrTokenMalformed reports a token that cannot be decoded.
func ErrTokenMalformed() *goerrors.Error {
	return build("token is malformed", goerrors.CategoryAuth, TextCodeTokenMalformed, goerrors.CodeUnauthorized, nil)
}

// ErrSignatureInvalid reports a token whose signature does not verify.
func ErrSignatureInvalid() *goerrors.Error {
	return build("token signature is invalid", goerrors.CategoryAuth, TextCodeSignatureInvalid, goerrors.CodeUnauthorized, nil)
}

// ErrTokenExpired reports a token used at or after its expiry.
func ErrTokenExpired() *goerrors.Error {
	return build("token has expired", goerrors.CategoryAuth, TextCodeTokenExpired, goerrors.CodeUnauthorized, nil)
}

// ErrUnknownIdentity reports a token subject that no longer maps to a user.
func ErrUnknownIdentity() *goerrors.Error {
	return build("identity not found", goerrors.CategoryAuth, TextCodeUnknownIdentity, goerrors.CodeUnauthorized, nil)
}

// ErrForbidden reports a role or ownership mismatch.
func ErrForbidden(msg string, meta ...map[string]any) *goerrors.Error {
	return build(msg, goerrors.CategoryAuthz, TextCodeForbidden, goerrors.CodeForbidden, meta)
}

// ErrNotFound reports an absent resource.
func ErrNotFound(msg string, meta ...map[string]any) *goerrors.Error {
	return build(msg, goerrors.CategoryNotFound, TextCodeNotFound, goerrors.CodeNotFound, meta)
}

// ErrConflict reports a uniqueness violation.
func ErrConflict(msg string, meta ...map[string]any) *goerrors.Error {
	return build(msg, goerrors.CategoryConflict, TextCodeConflict, goerrors.CodeConflict, meta)
}

// ErrInvalidState reports an operation that the lifecycle forbids.
func ErrInvalidState(msg string, meta ...map[string]any) *goerrors.Error {
	return build(msg, goerrors.CategoryBadInput, TextCodeInvalidState, goerrors.CodeBadRequest, meta)
}

// ErrInternal wraps an unexpected collaborator failure. The message seen by
// callers is always generic, the cause stays on the wrapped error.
func ErrInternal(err error, meta ...map[string]any) *goerrors.Error {
	var out *goerrors.Error
	if err == nil {
		out = goerrors.New(genericInternalMessage, goerrors.CategoryInternal)
	} else {
		out = goerrors.Wrap(err, goerrors.CategoryInternal, genericInternalMessage)
	}
	out = out.WithTextCode(TextCodeInternal).WithCode(goerrors.CodeInternal)
	if m := mergeMeta(meta); len(m) > 0 {
		out = out.WithMetadata(m)
	}
	return out
}

// ErrCancelled reports work abandoned because its context was cancelled or
// ran past its deadline.
func ErrCancelled(err error, meta ...map[string]any) *goerrors.Error {
	textCode, msg := TextCodeCancelled, "request cancelled"
	if goerrors.Is(err, context.DeadlineExceeded) {
		textCode, msg = TextCodeTimeout, "request timed out"
	}
	out := goerrors.Wrap(err, goerrors.CategoryOperation, msg).
		WithTextCode(textCode).
		WithCode(goerrors.CodeRequestTimeout)
	if m := mergeMeta(meta); len(m) > 0 {
		out = out.WithMetadata(m)
	}
	return out
}

func isContextDone(err error) bool {
	return goerrors.Is(err, context.Canceled) || goerrors.Is(err, context.DeadlineExceeded)
}

func build(msg string, category goerrors.Category, textCode string, code int, meta []map[string]any) *goerrors.Error {
	err := goerrors.New(msg, category).WithTextCode(textCode).WithCode(code)
	if m := mergeMeta(meta); len(m) > 0 {
		err = err.WithMetadata(m)
	}
	return err
}

func mergeMeta(meta []map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := map[string]any{}
	for _, m := range meta {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// AsRichError returns err as a *goerrors.Error, wrapping unknown errors as
// internal. Context cancellation surfaces as its own kind even when a store
// already wrapped it as internal.
func AsRichError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var rich *goerrors.Error
	known := goerrors.As(err, &rich) && rich.TextCode != ""
	if known && rich.TextCode != TextCodeInternal {
		return rich
	}
	if isContextDone(err) {
		return ErrCancelled(err)
	}
	if known {
		return rich
	}
	return ErrInternal(err)
}

// ErrorKind returns the stable kind of err, empty for nil.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	return AsRichError(err).TextCode
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, textCode string) bool {
	return err != nil && ErrorKind(err) == textCode
}

// IsAuthError reports whether err belongs to the authentication family.
func IsAuthError(err error) bool {
	switch ErrorKind(err) {
	case TextCodeAuthentication, TextCodeAuthMissing, TextCodeTokenMalformed,
		TextCodeSignatureInvalid, TextCodeTokenExpired, TextCodeUnknownIdentity:
		return true
	}
	return false
}

// StatusCode maps an error to its HTTP status.
func StatusCode(err error) int {
	if err == nil {
		return 200
	}
	switch ErrorKind(err) {
	case TextCodeValidation, TextCodeInvalidState:
		return goerrors.CodeBadRequest
	case TextCodeForbidden:
		return goerrors.CodeForbidden
	case TextCodeNotFound:
		return goerrors.CodeNotFound
	case TextCodeConflict:
		return goerrors.CodeConflict
	case TextCodeCancelled, TextCodeTimeout:
		return goerrors.CodeRequestTimeout
	case TextCodeInternal:
		return goerrors.CodeInternal
	}
	if IsAuthError(err) {
		return goerrors.CodeUnauthorized
	}
	return goerrors.CodeInternal
}

// isUniqueViolation recognizes unique constraint failures across the
// sqlite and postgres drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "sqlstate 23505")
}
