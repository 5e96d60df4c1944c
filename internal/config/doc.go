// Package config 负责加载 MAX-AI 的 YAML/JSON 配置，并用环境变量补齐密钥。
package config
