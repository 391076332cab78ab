package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/meridianfx/meridian/internal/domain"
)

// validate is shared; it caches struct metadata per type.
var validate = validator.New()

// generateSignalRequest is the POST /api/signal/generate body.
type generateSignalRequest struct {
	Pair         string `json:"pair" validate:"required,min=6,max=7,alpha"`
	Broker       string `json:"broker,omitempty" validate:"omitempty,oneof=mt4 mt5 oanda ibkr paper"`
	Broadcast    *bool  `json:"broadcast,omitempty"`
	AnalysisMode string `json:"analysisMode,omitempty" validate:"omitempty,oneof=full fast"`
	EAOnly       bool   `json:"eaOnly,omitempty"`
}

// autoTraderConfigRequest is the PUT /api/auto-trader/config body.
// Nil fields keep the current setting.
type autoTraderConfigRequest struct {
	IntervalMs    *int64   `json:"intervalMs,omitempty" validate:"omitempty,min=1000"`
	Pairs         []string `json:"pairs,omitempty" validate:"omitempty,dive,min=6,max=7,alpha"`
	MaxConcurrent *int     `json:"maxConcurrent,omitempty" validate:"omitempty,min=1,max=20"`
}

// decodeJSON parses a body into dst and runs the validator. The returned
// details are ready for the error envelope.
func decodeJSON(r *http.Request, dst any) (details []string, err error) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return []string{err.Error()}, fmt.Errorf("malformed JSON body")
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details = append(details, fieldIssue(fe))
			}
			return details, fmt.Errorf("validation failed")
		}
		return []string{err.Error()}, fmt.Errorf("validation failed")
	}
	return nil, nil
}

func fieldIssue(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field()[:1]) + fe.Field()[1:]
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "alpha":
		return field + " must contain letters only"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// parsePairField validates the pair semantically after the shape check.
func parsePairField(raw string) (domain.Pair, []string, error) {
	pair, err := domain.ParsePair(raw)
	if err != nil {
		return domain.Pair{}, []string{err.Error()}, fmt.Errorf("invalid pair")
	}
	return pair, nil, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response encode failed")
	}
}

func writeOK(w http.ResponseWriter, payload map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range payload {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func writeError(w http.ResponseWriter, status int, msg string, details []string) {
	body := map[string]any{"success": false, "error": msg}
	if len(details) > 0 {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

// errInvalidTimeframes tags a rejected timeframes query; the handler
// reports per-token details instead of this sentinel.
var errInvalidTimeframes = errors.New("invalid timeframes")

// splitCSV splits a query value on commas, trimming blanks.
func splitCSV(raw string) []string {
	var out []string
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token != "" {
			out = append(out, token)
		}
	}
	return out
}
