package dto

import (
	"time"

	"media-hls/constant"
)

// EncodeRequestMessage asks the worker to encode an object already in the bucket.
type EncodeRequestMessage struct {
	JobId      string `json:"jobId"`
	ObjectPath string `json:"objectPath"`
	FileName   string `json:"fileName"`
}

// StatusEventMessage is published on every status transition.
type StatusEventMessage struct {
	Name      string                  `json:"name"`
	Status    constant.EncodingStatus `json:"status"`
	Message   string                  `json:"message"`
	UpdatedAt time.Time               `json:"updated_at"`
}

type Media struct {
	ID          string             `json:"id,omitempty"`
	URL         string             `json:"url"`
	URLResource string             `json:"url_resource,omitempty"`
	URLStorage  string             `json:"url_storage,omitempty"`
	Type        constant.MediaType `json:"type"`
}

type QueueStats struct {
	Pending int    `json:"pending"`
	Busy    bool   `json:"busy"`
	Current string `json:"current,omitempty"`
}
