package retry

import "strings"

// ErrorKind buckets an executor failure for retry policy.
type ErrorKind string

const (
	// ErrorKindTransient failures are expected to clear on their own
	// (network blips, resource pressure) and are always retryable.
	ErrorKindTransient ErrorKind = "transient"

	// ErrorKindPermanent failures will not succeed on retry without
	// operator intervention (bad image, missing permissions).
	ErrorKindPermanent ErrorKind = "permanent"

	// ErrorKindUnknown is everything else: retried like transient but
	// logged distinctly so new patterns surface.
	ErrorKindUnknown ErrorKind = "unknown"
)

// transientPatterns match failures that clear on their own.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"resource temporarily",
	"too many open files",
	"out of memory",
	"no space left",
	"service unavailable",
	"i/o timeout",
}

// permanentPatterns match failures no amount of retrying will fix.
var permanentPatterns = []string{
	"not found",
	"no such image",
	"no such file",
	"permission denied",
	"access denied",
	"unauthorized",
	"forbidden",
	"invalid reference",
	"executable file not found",
	"command not found",
}

// Classify maps an error message to an ErrorKind using substring
// pattern rules. Transient patterns are checked first: "image pull
// timeout" is a timeout, not a permanent not-found.
func Classify(errMsg string) ErrorKind {
	msg := strings.ToLower(errMsg)

	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return ErrorKindTransient
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return ErrorKindPermanent
		}
	}
	return ErrorKindUnknown
}

// ClassifyErr is Classify over an error value; nil classifies as unknown.
func ClassifyErr(err error) ErrorKind {
	if err == nil {
		return ErrorKindUnknown
	}
	return Classify(err.Error())
}
