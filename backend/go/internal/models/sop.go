package models

import "time"

// SOP 是可复用的标准作业流程。
// VectorStoreID 同时是向量索引与关键词索引中的文档 ID。
type SOP struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name          string    `gorm:"type:varchar(255)" json:"name"`
	Description   string    `gorm:"type:text" json:"description"`
	Content       string    `gorm:"type:longtext" json:"content"`
	VectorStoreID string    `gorm:"uniqueIndex;type:varchar(64)" json:"vector_store_id"`
	UserID        string    `gorm:"index;type:varchar(64)" json:"user_id"`
	Rating        int       `json:"rating"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (SOP) TableName() string { return "linsight_sop" }

// IndexText 是写入索引的文本。
func (s *SOP) IndexText() string {
	text := s.Name
	if s.Description != "" {
		text += "\n" + s.Description
	}
	return text + "\n" + s.Content
}

// SOPRecord 是一次具体执行的 SOP 记录, 可以被提升到 SOP 库。
type SOPRecord struct {
	ID               uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionVersionID string    `gorm:"uniqueIndex;type:varchar(64)" json:"session_version_id"`
	UserID           string    `gorm:"index;type:varchar(64)" json:"user_id"`
	Name             string    `gorm:"type:varchar(255)" json:"name"`
	Description      string    `gorm:"type:text" json:"description"`
	Content          string    `gorm:"type:longtext" json:"content"`
	Rating           int       `json:"rating"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (SOPRecord) TableName() string { return "linsight_sop_record" }
