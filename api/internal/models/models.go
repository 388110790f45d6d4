package models // 模型包

import ( // 依赖导入
	"encoding/json" // 原始 JSON
	"time"          // 时间类型

	"github.com/google/uuid"         // UUID 类型
	"github.com/shopspring/decimal" // 金额类型
)

type GeoLocation struct { // 任务地点
	Lat     float64 // 纬度
	Lng     float64 // 经度
	Address string  // 地址
	Name    string  // 地点名称
}

type Task struct { // 任务模型
	TaskID          uuid.UUID           // 任务 ID
	Status          string              // 状态
	AssigneeIDs     []string            // 指派的工人
	ExpectedRevenue decimal.NullDecimal // 预期收入
	CompletedAt     *time.Time          // 完成时间
	GeoLocation     *GeoLocation        // 参考位置
	CreatedAt       time.Time           // 创建时间
	UpdatedAt       time.Time           // 更新时间
}

// IsAssignee reports whether workerID is on the task.
func (t Task) IsAssignee(workerID string) bool {
	for _, id := range t.AssigneeIDs {
		if id == workerID {
			return true
		}
	}
	return false
}

type Event struct { // 账本事件
	EventID   uuid.UUID       // 事件 ID
	Topic     string          // 分区主题 TASK_{taskId}
	Action    string          // 动作
	ActorID   string          // 操作者
	Payload   json.RawMessage // 负载数据
	CreatedAt time.Time       // 创建时间
}

type EventFilter struct { // 账本查询条件
	Topic   string     // 主题
	Action  string     // 动作
	ActorID string     // 操作者
	From    *time.Time   // 起始 (含)
	To      *time.Time   // 结束 (含)
	After   *EventCursor // 翻页游标 (不含)
	Limit   int          // 条数上限
}

type EventCursor struct { // 账本排序位置
	CreatedAt time.Time // 创建时间
	EventID   uuid.UUID // 事件 ID
}

type Payment struct { // 收款记录
	PaymentID            uuid.UUID       // 收款 ID
	TaskID               uuid.UUID       // 任务 ID
	Amount               decimal.Decimal // 金额
	CollectedBy          string          // 收款工人
	InvoiceAttachmentRef *string         // 发票附件
	CreatedAt            time.Time       // 创建时间
	UpdatedAt            time.Time       // 更新时间
}

type Actor struct { // 请求发起者
	ID    string // 工人或管理员 ID
	Admin bool   // 是否管理员
}

type Worker struct { // 工人
	WorkerID  string // 工人 ID
	FirstName string // 名
	LastName  string // 姓
	Active    bool   // 是否在职
}

func (w Worker) FullName() string {
	switch {
	case w.FirstName == "":
		return w.LastName
	case w.LastName == "":
		return w.FirstName
	}
	return w.FirstName + " " + w.LastName
}

type TaskRevenue struct { // 报表投影: 已完成任务
	TaskID          uuid.UUID           // 任务 ID
	ExpectedRevenue decimal.NullDecimal // 预期收入
	AssigneeIDs     []string            // 指派的工人
	CompletedAt     time.Time           // 完成时间
}

type CheckIn struct { // 报表投影: 签到
	ActorID   string    // 工人 ID
	CreatedAt time.Time // 签到时间
}

type OutboxEvent struct { // 发件箱事件
	EventID       uuid.UUID  // 事件 ID
	AggregateType string     // 聚合类型
	AggregateID   uuid.UUID  // 聚合 ID
	Topic         string     // Kafka 主题
	Payload       []byte     // 负载数据
	Status        string     // 状态
	Attempts      int        // 尝试次数
	NextRetryAt   *time.Time // 下次重试
	LockedAt      *time.Time // 锁定时间
	LockedBy      *string    // 锁定者
	LastError     *string    // 最后错误
	CreatedAt     time.Time  // 创建时间
	UpdatedAt     time.Time  // 更新时间
	PublishedAt   *time.Time // 发布时间
}

type AuditLog struct { // 审计日志模型
	AuditID      uuid.UUID // 审计 ID
	OccurredAt   time.Time // 发生时间
	ActorID      string    // 操作者
	Action       string    // 动作
	ResourceType *string   // 资源类型
	ResourceID   *string   // 资源 ID
	RequestID    string    // 请求 ID
	Method       string    // HTTP 方法
	Path         string    // 请求路径
	StatusCode   int       // 状态码
	DurationMS   int64     // 耗时毫秒
	ClientIP     string    // 客户端 IP
	UserAgent    string    // UA 信息
	Details      []byte    // 详情数据
}
