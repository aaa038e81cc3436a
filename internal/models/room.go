package models

import (
	"time"

	"gorm.io/gorm"
)

// Room 房间持久化记录
//
// State 保存最近一次写入的完整快照（JSON文本），
// PlayerCount 是节流后的在线人数，只用于展示和列表。
type Room struct {
	ID          uint           `gorm:"primaryKey" json:"-"`
	Code        string         `gorm:"type:varchar(64);uniqueIndex;not null" json:"code"`
	Name        string         `gorm:"type:varchar(128)" json:"name"`
	State       string         `gorm:"type:text;not null" json:"-"`
	PlayerCount int            `gorm:"default:0" json:"player_count"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName 表名
func (Room) TableName() string {
	return "rooms"
}

// RoomSummary 房间列表项（不含快照）
type RoomSummary struct {
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	PlayerCount int       `json:"player_count"`
	StateBytes  int       `json:"state_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Summary 转换为列表项
func (r *Room) Summary() RoomSummary {
	return RoomSummary{
		Code:        r.Code,
		Name:        r.Name,
		PlayerCount: r.PlayerCount,
		StateBytes:  len(r.State),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}
