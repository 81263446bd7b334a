package model

import (
	"time"

	"github.com/jianxcao/watch-docker/internal/state"
)

// Container update statuses reported by the server.
const (
	StatusUpToDate        = "UpToDate"
	StatusUpdateAvailable = "UpdateAvailable"
	StatusSkipped         = "Skipped"
	StatusError           = "Error"
)

// -----------------------------------------------------------------------------
// Entities
// -----------------------------------------------------------------------------

// ContainerStatus is one container as listed by the server. Live-channel
// batches may carry only a subset of these fields.
type ContainerStatus struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Image         string            `json:"image"`
	Running       bool              `json:"running"`
	CurrentDigest []string          `json:"currentDigest"`
	RemoteDigest  string            `json:"remoteDigest"`
	Status        string            `json:"status"` // UpToDate | UpdateAvailable | Skipped | Error
	Skipped       bool              `json:"skipped"`
	SkippedUpdate bool              `json:"skippedUpdate"`
	SkipReason    string            `json:"skipReason"`
	Labels        map[string]string `json:"labels"`
	LastCheckedAt time.Time         `json:"lastCheckedAt"`
	StartedAt     string            `json:"startedAt"`
	Ports         []PortInfo        `json:"ports"`
	Stats         *ContainerStats   `json:"stats,omitempty"`
}

// HasUpdate reports whether a newer image is available and not skipped.
func (c ContainerStatus) HasUpdate() bool {
	return c.Status == StatusUpdateAvailable && !c.Skipped && !c.SkippedUpdate
}

// PortInfo is one published port.
type PortInfo struct {
	IP          string `json:"ip"`
	PrivatePort int    `json:"privatePort"`
	PublicPort  int    `json:"publicPort"`
	Type        string `json:"type"` // tcp | udp
}

// ContainerStats is a resource sample for one container.
type ContainerStats struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	CPUPercent    float64 `json:"cpuPercent"`    // 0-100
	MemoryUsage   uint64  `json:"memoryUsage"`   // bytes
	MemoryLimit   uint64  `json:"memoryLimit"`   // bytes
	MemoryPercent float64 `json:"memoryPercent"` // 0-100
	NetworkRxRate uint64  `json:"networkRxRate"` // bytes/s
	NetworkTxRate uint64  `json:"networkTxRate"` // bytes/s
	NetworkRx     uint64  `json:"networkRx"`     // bytes total
	NetworkTx     uint64  `json:"networkTx"`     // bytes total
	BlockRead     uint64  `json:"blockRead"`     // bytes
	BlockWrite    uint64  `json:"blockWrite"`    // bytes
	PidsCurrent   uint64  `json:"pidsCurrent"`
	PidsLimit     uint64  `json:"pidsLimit"`
}

// ImageInfo is one local image.
type ImageInfo struct {
	ID          string   `json:"id"`
	RepoTags    []string `json:"repoTags"`
	RepoDigests []string `json:"repoDigests"`
	Size        int64    `json:"size"`
	Created     int64    `json:"created"` // Unix seconds
}

// BatchUpdateResult is the outcome of a batch update run.
type BatchUpdateResult struct {
	Updated     []string          `json:"updated"`
	Failed      map[string]string `json:"failed"`
	FailedCodes map[string]int    `json:"failedCodes"`
}

// -----------------------------------------------------------------------------
// Payloads
// -----------------------------------------------------------------------------

// ContainersPayload is the data of a list response and of a "containers"
// live-channel frame.
type ContainersPayload struct {
	Containers []state.Entity `json:"containers"`
}

// StatsPayload is the data of a stats response and of a "stats"
// live-channel frame, keyed by container id.
type StatsPayload struct {
	Stats map[string]ContainerStats `json:"stats"`
}

// Entities returns the stats as entities keyed by container id. A
// sample without its own id takes the map key.
func (p StatsPayload) Entities() ([]state.Entity, error) {
	out := make([]state.Entity, 0, len(p.Stats))
	for id, s := range p.Stats {
		if s.ID == "" {
			s.ID = id
		}
		e, err := state.FromRecord(s)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ImagesPayload is the data of an images response.
type ImagesPayload struct {
	Images []ImageInfo `json:"images"`
}

// ContainerDetailPayload is the data of a container detail response.
// The detail shape is the Docker inspect document, kept untyped.
type ContainerDetailPayload struct {
	Container state.Entity `json:"container"`
}

// -----------------------------------------------------------------------------
// Conversions
// -----------------------------------------------------------------------------

// ContainerFromEntity decodes a cached container entity.
func ContainerFromEntity(e state.Entity) (ContainerStatus, error) {
	return state.As[ContainerStatus](e)
}

// StatsFromEntity decodes a cached stats entity.
func StatsFromEntity(e state.Entity) (ContainerStats, error) {
	return state.As[ContainerStats](e)
}

// -----------------------------------------------------------------------------
// Time-Series Types
// -----------------------------------------------------------------------------

// StatsRow is one persisted resource sample.
type StatsRow struct {
	ContainerID   string
	Name          string
	CPUPercent    float64
	MemoryUsage   int64
	MemoryLimit   int64
	MemoryPercent float64
	NetworkRxRate int64
	NetworkTxRate int64
	BlockRead     int64
	BlockWrite    int64
	PidsCurrent   int64
	SampledAt     int64 // Server timestamp (µs since epoch)
	ReceivedAt    int64 // Local receive time (µs since epoch)
}

// secondsCutoff separates the two timestamp units seen on the wire.
// 1e11 is 1973 in milliseconds and year 5138 in seconds.
const secondsCutoff = 100_000_000_000

// FrameTime converts a frame timestamp. The wire unit is Unix
// milliseconds; servers that send Unix seconds are recognised by
// magnitude. ok is false for a non-positive timestamp.
func FrameTime(ts int64) (t time.Time, ok bool) {
	switch {
	case ts <= 0:
		return time.Time{}, false
	case ts < secondsCutoff:
		return time.Unix(ts, 0), true
	default:
		return time.UnixMilli(ts), true
	}
}

// NewStatsRow converts a sample. ts is the frame timestamp (see
// FrameTime); zero falls back to receivedAt.
func NewStatsRow(s ContainerStats, ts int64, receivedAt time.Time) StatsRow {
	sampled := receivedAt.UnixMicro()
	if t, ok := FrameTime(ts); ok {
		sampled = t.UnixMicro()
	}
	return StatsRow{
		ContainerID:   s.ID,
		Name:          s.Name,
		CPUPercent:    s.CPUPercent,
		MemoryUsage:   clampInt64(s.MemoryUsage),
		MemoryLimit:   clampInt64(s.MemoryLimit),
		MemoryPercent: s.MemoryPercent,
		NetworkRxRate: clampInt64(s.NetworkRxRate),
		NetworkTxRate: clampInt64(s.NetworkTxRate),
		BlockRead:     clampInt64(s.BlockRead),
		BlockWrite:    clampInt64(s.BlockWrite),
		PidsCurrent:   clampInt64(s.PidsCurrent),
		SampledAt:     sampled,
		ReceivedAt:    receivedAt.UnixMicro(),
	}
}

func clampInt64(v uint64) int64 {
	const max = uint64(1<<63 - 1)
	if v > max {
		return int64(max)
	}
	return int64(v)
}
