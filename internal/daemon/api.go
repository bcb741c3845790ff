package daemon

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fleetmarket/fleetd/internal/db"
)

const (
	maxJSONBytes        = 1 << 20 // Maximum size for JSON request bodies (1MB)
	defaultEventsLimit  = 200
	maxEventsLimit      = 1000
	ownerIdentityHeader = "X-Fleet-Owner"
	agentIdentityHeader = "X-Fleet-Agent"
)

var errBodyRequired = errors.New("request body is required")

// decodeJSON strictly decodes a required JSON body into dest.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	return decodeBody(w, r, dest, true)
}

// decodeOptionalJSON is decodeJSON for routes where an empty body means
// defaults.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	return decodeBody(w, r, dest, false)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dest any, required bool) error {
	var data []byte
	if r.Body != nil && r.Body != http.NoBody {
		defer r.Body.Close()
		var err error
		data, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return errors.New("request body too large")
			}
			return err
		}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		if required {
			return errBodyRequired
		}
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string, err ...error) {
	writeErrorCode(w, status, daemonErrorCode(status, msg), msg, err...)
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string, err ...error) {
	payload := V1ErrorResponse{Error: msg, Code: code}
	// Server errors never carry details.
	if status < http.StatusInternalServerError && len(err) > 0 && err[0] != nil {
		if details := errorRedactor.Redact(err[0].Error()); details != msg {
			payload.Details = details
		}
	}
	writeJSON(w, status, payload)
}

func writeMethodNotAllowed(w http.ResponseWriter, methods []string) {
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// pathParts splits the remainder of r's path after prefix.
func pathParts(r *http.Request, prefix string) []string {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if tail == "" {
		return nil
	}
	return strings.Split(tail, "/")
}

// identityFromHeader returns the caller identity set by the authenticating
// gateway, or writes 401 when it is missing.
func identityFromHeader(w http.ResponseWriter, r *http.Request, header string) (string, bool) {
	value := strings.TrimSpace(r.Header.Get(header))
	if value == "" {
		writeError(w, http.StatusUnauthorized, "missing "+header+" identity header")
		return "", false
	}
	return value, true
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	lower := strings.ToLower(header)
	if !strings.HasPrefix(lower, "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("bearer "):])
}

// queryCount parses a non-negative integer query value; empty is zero.
func queryCount(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}

func formatAPITime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func formatAPITimePtr(value *time.Time) *string {
	if value == nil {
		return nil
	}
	out := formatAPITime(*value)
	return &out
}

func parseAPITime(field, value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, invalidInput(field + " must be an RFC 3339 timestamp")
	}
	parsed = parsed.UTC()
	return &parsed, nil
}

func eventToV1(ev db.Event) V1Event {
	resp := V1Event{
		ID:        ev.ID,
		Kind:      ev.Kind,
		Timestamp: formatAPITime(ev.Timestamp),
		Message:   strings.TrimSpace(ev.Message),
	}
	if ev.ContractID != nil {
		resp.ContractID = *ev.ContractID
	}
	if ev.AgentID != nil {
		resp.AgentID = *ev.AgentID
	}
	if ev.PoolID != nil {
		resp.PoolID = *ev.PoolID
	}
	if version, stage, data, ok := parseEventPayload(ev.JSON); ok {
		resp.SchemaVersion = version
		resp.Stage = string(stage)
		resp.Payload = data
	} else if strings.TrimSpace(ev.JSON) != "" {
		payload, _ := json.Marshal(ev.JSON)
		resp.Payload = json.RawMessage(payload)
	}
	return resp
}
