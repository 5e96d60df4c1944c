package api

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"

	xerrors "github.com/Lewis121025/MAX-AI/internal/errors"
	"github.com/Lewis121025/MAX-AI/internal/task"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// errorBody 是所有失败响应的结构。
type errorBody struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 按错误码选择响应码，正文使用面向用户的提示。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	msg := xerrors.UserMessage(err)
	if e, ok := xerrors.From(err); ok && statusFor(code) < http.StatusInternalServerError {
		msg = e.Message()
	}
	writeJSON(w, statusFor(code), errorBody{Code: string(code), Error: msg})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Code: string(xerrors.CodeValidation), Error: msg})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeValidation, xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
