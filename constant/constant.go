package constant

import "fmt"

// EncodingStatus is persisted as its integer value.
type EncodingStatus int

const (
	EncodingStatusPending EncodingStatus = iota
	EncodingStatusProcessing
	EncodingStatusCompleted
	EncodingStatusFailed
)

func (s EncodingStatus) String() string {
	switch s {
	case EncodingStatusPending:
		return "pending"
	case EncodingStatusProcessing:
		return "processing"
	case EncodingStatusCompleted:
		return "completed"
	case EncodingStatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether no further transition is allowed.
func (s EncodingStatus) Terminal() bool {
	return s == EncodingStatusCompleted || s == EncodingStatusFailed
}

type MediaType int

const (
	MediaTypeImage MediaType = iota
	MediaTypeVideo
	MediaTypeHLS
)

const (
	MasterPlaylistName    = "master.m3u8"
	RenditionPlaylistName = "index.m3u8"
	DefaultChunkSize      = 1_000_000
)

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}
