package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
	"github.com/MohamedRoshdi/devflow-sub019/internal/repository"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/backup"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/bulk"
	"github.com/MohamedRoshdi/devflow-sub019/internal/service/webhook"
)

var validate = validator.New()

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a request body into dst and runs struct validation. An
// empty body leaves dst at its zero value.
func decodeJSON(w http.ResponseWriter, req *http.Request, dst any) bool {
	if req.Body != nil && req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return false
		}
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, strings.ToLower(fe.Field())+" "+fe.Tag())
			}
			writeError(w, http.StatusUnprocessableEntity, "invalid request: "+strings.Join(fields, ", "))
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// writeServiceError maps service errors onto HTTP statuses.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		r.notFound(w)
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrPrecondition):
		writeJSON(w, http.StatusConflict, preconditionBody(err))
	case errors.Is(err, repository.ErrActiveDeployment), errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrInvalidArgument), errors.Is(err, backup.ErrChainBroken), errors.Is(err, backup.ErrNoCipher):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, bulk.ErrUnknownOperation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, webhook.ErrMissingSignature), errors.Is(err, webhook.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, webhook.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		r.logger.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func preconditionBody(err error) map[string]any {
	body := map[string]any{"error": err.Error()}
	var pe *domain.PreconditionError
	if errors.As(err, &pe) {
		body["reasons"] = pe.Reasons
	}
	return body
}
