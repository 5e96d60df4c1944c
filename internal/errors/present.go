package errors

import (
	stdErrors "errors"
	"strings"
)

// UserMessage 返回面向终端用户的错误描述。
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	e, ok := From(err)
	if !ok {
		return AttributesOf(CodeUnknown).UserMessage
	}
	attr := AttributesOf(e.Code())
	msg := attr.UserMessage
	if msg == "" {
		msg = attr.Message
	}
	// 规划失败等信息本身就是给用户看的，直接附带。
	if e.Code() == CodePlanning && e.Message() != "" && e.Message() != attr.Message {
		return msg + "：" + e.Message()
	}
	return msg
}

// Details 生成错误事件中的技术细节。
func Details(err error) map[string]any {
	if err == nil {
		return map[string]any{}
	}
	details := map[string]any{
		"code": string(CodeOf(err)),
	}
	e, ok := From(err)
	if !ok {
		details["cause"] = err.Error()
		return details
	}
	details["error"] = e.Message()
	if cause := e.Cause(); cause != nil {
		details["cause"] = rootCause(cause).Error()
	}
	for k, v := range e.Metadata() {
		details[k] = v
	}
	return details
}

func rootCause(err error) error {
	for {
		next := stdErrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// Summary 返回适合日志与步骤记录的一行错误描述。
func Summary(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
