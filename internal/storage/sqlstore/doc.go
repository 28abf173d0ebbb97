// Package sqlstore 提供运营数据库（SQLite 或 MySQL）上的设置、提示词与咨询记录存储，
// 并在打开连接时执行内嵌的版本化迁移。
package sqlstore
