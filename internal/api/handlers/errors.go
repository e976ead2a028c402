package handlers

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"bidhub/internal/domain"
)

// RequestValidator plugs go-playground/validator into echo's c.Validate.
type RequestValidator struct {
	validate *validator.Validate
}

func NewRequestValidator() *RequestValidator {
	return &RequestValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (v *RequestValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

// statusForRejection maps a bid rejection to its HTTP status.
func statusForRejection(r *domain.Rejection) int {
	switch r.Reason {
	case domain.RejectBidTooLow, domain.RejectSelfBid:
		return http.StatusConflict
	case domain.RejectAuctionNotActive:
		if r.Status.IsTerminal() || r.Status == domain.AuctionActive {
			return http.StatusGone
		}
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

func statusForError(err error) int {
	switch domain.CodeOf(err) {
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeValidation:
		return http.StatusUnprocessableEntity
	case domain.CodeInvalidTransition:
		return http.StatusConflict
	case domain.CodeConflict, domain.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(err error) ErrorResponse {
	code := domain.CodeOf(err)
	message := err.Error()
	if code == domain.CodeInternalError {
		message = "internal server error"
	}

	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		code = domain.CodeValidation
		message = validationErrs.Error()
	}
	return ErrorResponse{Code: code, Message: message}
}
