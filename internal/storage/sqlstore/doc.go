// Package sqlstore 提供基于 database/sql 的持久化实现，支持 MySQL 与 SQLite 两种方言。
// 包内负责连接池配置、内嵌迁移的执行以及会话消息的读写。
package sqlstore
