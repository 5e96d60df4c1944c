// Package api 暴露智能体的 HTTP 接口：SSE 与 WebSocket 聊天流、会话管理、
// 异步作业提交以及状态、健康检查和指标端点。
package api
