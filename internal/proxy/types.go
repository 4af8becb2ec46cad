// Package proxy defines the core types shared by the fetch front end and workers.
package proxy

import "encoding/json"

// Status labels how a FetchResult was produced.
type Status string

// Result status values returned to callers.
const (
	StatusRendered Status = "rendered"
	StatusFetched  Status = "fetched"
	StatusError    Status = "error"
)

// Mode selects which fetch worker serves requests.
type Mode string

// Supported fetch modes.
const (
	ModeRender Mode = "render"
	ModeRaw    Mode = "raw"
)

// FetchRequest carries a normalized target URL to a fetch worker.
type FetchRequest struct {
	URL       string `json:"url"`
	RequestID string `json:"-"`
}

// FetchResult is the structured outcome of a single fetch.
// Exactly one of {HTML, FinalURL} or Error is populated, gated by Success.
type FetchResult struct {
	Success  bool   `json:"success"`
	HTML     string `json:"html,omitempty"`
	FinalURL string `json:"final_url,omitempty"`
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
}

type successJSON struct {
	Success  bool   `json:"success"`
	HTML     string `json:"html"`
	FinalURL string `json:"final_url"`
	Status   Status `json:"status"`
}

type failureJSON struct {
	Success bool   `json:"success"`
	Status  Status `json:"status"`
	Error   string `json:"error"`
}

// MarshalJSON emits html and final_url on success and error on failure, even
// when the payload is empty.
func (r FetchResult) MarshalJSON() ([]byte, error) {
	if r.Success {
		return json.Marshal(successJSON{
			Success:  true,
			HTML:     r.HTML,
			FinalURL: r.FinalURL,
			Status:   r.Status,
		})
	}
	return json.Marshal(failureJSON{
		Success: false,
		Status:  r.Status,
		Error:   r.Error,
	})
}

// Rendered builds a successful result for browser-rendered markup.
func Rendered(html, finalURL string) FetchResult {
	return FetchResult{Success: true, HTML: html, FinalURL: finalURL, Status: StatusRendered}
}

// Fetched builds a successful result for a raw HTTP retrieval.
func Fetched(html, finalURL string) FetchResult {
	return FetchResult{Success: true, HTML: html, FinalURL: finalURL, Status: StatusFetched}
}

// Failed builds a failure result carrying msg.
func Failed(msg string) FetchResult {
	if msg == "" {
		msg = "unknown error"
	}
	return FetchResult{Success: false, Status: StatusError, Error: msg}
}

// ResultFromError converts a worker failure into a failed FetchResult.
func ResultFromError(err error) FetchResult {
	if err == nil {
		return Failed("")
	}
	return Failed(err.Error())
}

// Valid reports whether r satisfies the success/payload invariant.
func (r FetchResult) Valid() bool {
	if r.Success {
		return r.Error == "" && r.FinalURL != "" && r.Status != StatusError
	}
	return r.Error != "" && r.HTML == "" && r.FinalURL == "" && r.Status == StatusError
}
