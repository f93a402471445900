package fetcher

import "fmt"

// Kind classifies a fetch failure.
type Kind int

// Failure kinds.
const (
	KindNetwork Kind = iota
	KindTimeout
	KindTooLarge
	KindHTTP
	KindTLS
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindTooLarge:
		return "too_large"
	case KindHTTP:
		return "http"
	case KindTLS:
		return "tls"
	default:
		return "network"
	}
}

// FetchError is returned for every failed fetch.
type FetchError struct {
	Kind       Kind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Permanent reports whether the failure is unlikely to clear up on retry.
func (e *FetchError) Permanent() bool {
	if e.Kind != KindHTTP {
		return false
	}
	switch e.StatusCode {
	case 401, 403, 404, 410, 451:
		return true
	}
	return false
}
