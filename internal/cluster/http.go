package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrorBody is the JSON shape of a failed HTTP call between shardops
// processes. Kind carries the sentinel name so the caller can rebuild it.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	State string `json:"state,omitempty"`
}

// RemoteError is a failure reported by a shardops HTTP endpoint.
type RemoteError struct {
	URL    string
	Status int
	Body   ErrorBody
	kind   error
}

func (e *RemoteError) Error() string {
	if e.Body.Error != "" {
		return fmt.Sprintf("http %s: %d: %s", e.URL, e.Status, e.Body.Error)
	}
	return fmt.Sprintf("http %s: %d", e.URL, e.Status)
}

// Unwrap exposes the sentinel named by the response, so errors.Is works
// across process boundaries.
func (e *RemoteError) Unwrap() error { return e.kind }

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON sends body as JSON and decodes the response into out when out is
// non-nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrTransientUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(req.URL.String(), resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(url string, resp *http.Response) error {
	rerr := &RemoteError{URL: url, Status: resp.StatusCode}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &rerr.Body); err != nil {
		rerr.Body.Error = string(bytes.TrimSpace(data))
	}

	if kind, ok := ErrorForKind(rerr.Body.Kind); ok {
		rerr.kind = kind
	} else if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusGatewayTimeout {
		rerr.kind = ErrTransientUnavailable
	}
	return rerr
}

// StatusFor maps an error kind to the HTTP status a server should answer with.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrTransientUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNamespaceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidBoundary), errors.Is(err, ErrUnknownShard), errors.Is(err, ErrInvalidConfig):
		return http.StatusBadRequest
	case IsIdempotent(err):
		return http.StatusConflict
	case errors.Is(err, ErrUnsatisfiableRequirement), errors.Is(err, ErrVerification):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// WriteError answers with an ErrorBody for err.
func WriteError(w http.ResponseWriter, err error) {
	WriteErrorState(w, err, "")
}

// WriteErrorState answers with an ErrorBody that also names the last stable
// orchestrator state.
func WriteErrorState(w http.ResponseWriter, err error, state string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusFor(err))
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: err.Error(), Kind: KindOf(err), State: state})
}

// WriteJSON answers 200 with v encoded as JSON.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
