package entities

import (
	"time"

	"media-hls/constant"
)

type VideoStatus struct {
	Name      string                  `json:"name" gorm:"type:varchar(64);primaryKey"`
	Status    constant.EncodingStatus `json:"status" gorm:"not null;default:0;index:idx_video_status_status"`
	Message   string                  `json:"message" gorm:"type:text;not null;default:''"`
	CreatedAt time.Time               `json:"created_at" gorm:"not null;index:idx_video_status_created_at"`
	UpdatedAt time.Time               `json:"updated_at" gorm:"not null"`
}

func (VideoStatus) TableName() string {
	return "video_status"
}
