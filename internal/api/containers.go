package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/jianxcao/watch-docker/internal/coordinator"
	"github.com/jianxcao/watch-docker/internal/model"
	"github.com/jianxcao/watch-docker/internal/state"
)

// Request keys used by the dashboard endpoints.
var (
	KeyContainers      = coordinator.ShareFirst("containers")
	KeyContainerDetail = coordinator.CancelPredecessor("container-detail")
	KeyContainersStats = coordinator.ShareFirst("containers-stats")
	KeyBatchUpdate     = coordinator.ShareFirst("batch-update")
	KeyImages          = coordinator.ShareFirst("images")
)

// Health checks that the server is reachable.
func (c *Client) Health(ctx context.Context) error {
	if err := c.Do(ctx, coordinator.Unlocked(), http.MethodGet, "/healthz", nil, nil, nil); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	return nil
}

// ListContainers fetches every container. Concurrent callers share one
// request.
func (c *Client) ListContainers(ctx context.Context) ([]state.Entity, error) {
	var resp model.ContainersPayload
	if err := c.Do(ctx, KeyContainers, http.MethodGet, "/containers", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	return resp.Containers, nil
}

// GetContainer fetches the inspect document of one container. A newer
// detail request cancels an older one.
func (c *Client) GetContainer(ctx context.Context, id string) (state.Entity, error) {
	var resp model.ContainerDetailPayload
	path := "/containers/" + url.PathEscape(id)
	if err := c.Do(ctx, KeyContainerDetail, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("get container %s: %w", id, err)
	}
	return resp.Container, nil
}

// ContainersStats fetches a stats snapshot for the given containers.
func (c *Client) ContainersStats(ctx context.Context, ids []string) (model.StatsPayload, error) {
	var resp model.StatsPayload
	body := struct {
		ContainerIDs []string `json:"containerIds"`
	}{ContainerIDs: ids}
	if err := c.Do(ctx, KeyContainersStats, http.MethodPost, "/containers/stats", nil, body, &resp); err != nil {
		return model.StatsPayload{}, fmt.Errorf("containers stats: %w", err)
	}
	return resp, nil
}

// Container actions run unlocked.
func (c *Client) action(ctx context.Context, method, id, verb string) error {
	path := "/containers/" + url.PathEscape(id)
	if verb != "" {
		path += "/" + verb
	}
	if err := c.Do(ctx, coordinator.Unlocked(), method, path, nil, nil, nil); err != nil {
		name := verb
		if name == "" {
			name = "delete"
		}
		return fmt.Errorf("%s container %s: %w", name, id, err)
	}
	return nil
}

// StartContainer starts a container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	return c.action(ctx, http.MethodPost, id, "start")
}

// StopContainer stops a container.
func (c *Client) StopContainer(ctx context.Context, id string) error {
	return c.action(ctx, http.MethodPost, id, "stop")
}

// RestartContainer restarts a container.
func (c *Client) RestartContainer(ctx context.Context, id string) error {
	return c.action(ctx, http.MethodPost, id, "restart")
}

// UpdateContainer pulls the newer image and recreates a container.
func (c *Client) UpdateContainer(ctx context.Context, id string) error {
	return c.action(ctx, http.MethodPost, id, "update")
}

// DeleteContainer removes a container.
func (c *Client) DeleteContainer(ctx context.Context, id string) error {
	return c.action(ctx, http.MethodDelete, id, "")
}

// BatchUpdate updates every container with an available update.
// Concurrent callers share one run.
func (c *Client) BatchUpdate(ctx context.Context) (*model.BatchUpdateResult, error) {
	var resp model.BatchUpdateResult
	if err := c.Do(ctx, KeyBatchUpdate, http.MethodPost, "/updates/run", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("batch update: %w", err)
	}
	return &resp, nil
}

// ListImages fetches local images.
func (c *Client) ListImages(ctx context.Context) ([]model.ImageInfo, error) {
	var resp model.ImagesPayload
	if err := c.Do(ctx, KeyImages, http.MethodGet, "/images", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return resp.Images, nil
}
