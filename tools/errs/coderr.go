package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CodeError is the server-internal coded error. The code groups the
// failure for logging and metrics; the detail never leaves the process.
type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

// Server-internal error codes.
const (
	CodeInternal    = 500
	CodeStorage     = 510
	CodeNotFound    = 404
	CodeConflict    = 409
	CodeBadInput    = 400
	CodeUnauthorized = 401
)

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	sb := strings.Builder{}
	sb.WriteString(e.Msg)
	sb.WriteString(" [")
	sb.WriteString(strconv.Itoa(e.Code))
	sb.WriteString("]")
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	return sb.String()
}

// WithDetail returns a copy carrying extra detail.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// WrapMsg clones the error and appends a formatted key/value detail.
func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	detail := toString(msg, kv)
	return e.WithDetail(detail)
}

func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

func toString(msg string, kv []any) string {
	sb := strings.Builder{}
	sb.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		sb.WriteString(fmt.Sprintf(" %v=%v", kv[i], kv[i+1]))
	}
	if len(kv)%2 == 1 {
		sb.WriteString(fmt.Sprintf(" %v", kv[len(kv)-1]))
	}
	return sb.String()
}

func New(msg string) error { return errors.New(msg) }
