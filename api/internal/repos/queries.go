package repos // 仓储包

import ( // 依赖导入
	"context" // 上下文处理
	"errors"  // 错误哨兵

	"github.com/jackc/pgx/v5"        // pgx 接口
	"github.com/jackc/pgx/v5/pgconn" // 连接命令结果
)

var ( // 仓储层哨兵错误
	ErrNotFound       = errors.New("not found")              // 记录不存在
	ErrStatusConflict = errors.New("task status has changed") // CAS 更新未命中
)

type DBTX interface { // 数据库事务/连接抽象
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error) // 执行语句
	Query(context.Context, string, ...any) (pgx.Rows, error)         // 查询多行
	QueryRow(context.Context, string, ...any) pgx.Row                // 查询单行
}

func notFound(err error) error { // 把 pgx.ErrNoRows 映射为 ErrNotFound
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
