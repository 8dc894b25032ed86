package migrations

import "embed"

// FS 内嵌的 SQLite 迁移脚本，按文件名顺序执行
//
//go:embed *.sql
var FS embed.FS
