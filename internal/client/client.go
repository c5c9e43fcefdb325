// Package client provides an HTTP client for the daemon's control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/logging"
	"github.com/GamblerIX/RCloneGUI/internal/models"
	"github.com/google/uuid"
)

// DefaultTimeout bounds a single request. Mount requests wait for readiness,
// so it is longer than the default ready timeout.
const DefaultTimeout = 2 * time.Minute

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a running daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the daemon listening on addr, either host:port
// or a full URL.
func New(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// MountResult is the outcome of one mount in a batch operation.
type MountResult struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// SyncTask is a task definition with its live status.
type SyncTask struct {
	models.SyncTaskDefinition
	Active   bool            `json:"active"`
	Schedule string          `json:"schedule,omitempty"`
	LastRun  *models.SyncRun `json:"last_run,omitempty"`
}

// Schedule is a registered schedule with a readable description.
type Schedule struct {
	models.ScheduleEntry
	Description string `json:"description"`
}

// VersionInfo is the daemon and rclone version.
type VersionInfo struct {
	Version       string `json:"version"`
	Commit        string `json:"commit,omitempty"`
	BuildDate     string `json:"build_date,omitempty"`
	RcloneVersion string `json:"rclone_version,omitempty"`
}

// Version returns the daemon version.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	var info VersionInfo
	if err := c.get(ctx, "/api/v1/version", &info); err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	return &info, nil
}

// Mounts returns the runtime state of every mount.
func (c *Client) Mounts(ctx context.Context) ([]models.MountRuntimeState, error) {
	var resp struct {
		Mounts []models.MountRuntimeState `json:"mounts"`
	}
	if err := c.get(ctx, "/api/v1/mounts", &resp); err != nil {
		return nil, fmt.Errorf("list mounts: %w", err)
	}
	return resp.Mounts, nil
}

// MountState returns one mount. A positive wait lets the daemon hold the
// request until a mount or unmount in progress has finished.
func (c *Client) MountState(ctx context.Context, name string, wait time.Duration) (*models.MountRuntimeState, error) {
	path := "/api/v1/mounts/" + url.PathEscape(name)
	if wait > 0 {
		path += "?" + url.Values{"wait": {wait.String()}}.Encode()
	}
	var state models.MountRuntimeState
	if err := c.get(ctx, path, &state); err != nil {
		return nil, fmt.Errorf("get mount %s: %w", name, err)
	}
	return &state, nil
}

// Reconcile asks the daemon to rescan running rclone processes.
func (c *Client) Reconcile(ctx context.Context) ([]models.MountRuntimeState, error) {
	var resp struct {
		Mounts []models.MountRuntimeState `json:"mounts"`
	}
	if err := c.post(ctx, "/api/v1/mounts/reconcile", &resp); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	return resp.Mounts, nil
}

// Mount mounts a defined mount and returns its state once ready.
func (c *Client) Mount(ctx context.Context, name string) (*models.MountRuntimeState, error) {
	var state models.MountRuntimeState
	if err := c.post(ctx, "/api/v1/mounts/"+url.PathEscape(name)+"/mount", &state); err != nil {
		return nil, fmt.Errorf("mount %s: %w", name, err)
	}
	return &state, nil
}

// Unmount unmounts a mount.
func (c *Client) Unmount(ctx context.Context, name string) (*models.MountRuntimeState, error) {
	var state models.MountRuntimeState
	if err := c.post(ctx, "/api/v1/mounts/"+url.PathEscape(name)+"/unmount", &state); err != nil {
		return nil, fmt.Errorf("unmount %s: %w", name, err)
	}
	return &state, nil
}

// MountAll mounts every defined mount.
func (c *Client) MountAll(ctx context.Context) ([]MountResult, error) {
	return c.batch(ctx, "mount-all")
}

// UnmountAll unmounts every mounted mount.
func (c *Client) UnmountAll(ctx context.Context) ([]MountResult, error) {
	return c.batch(ctx, "unmount-all")
}

func (c *Client) batch(ctx context.Context, op string) ([]MountResult, error) {
	var resp struct {
		Results []MountResult `json:"results"`
	}
	if err := c.post(ctx, "/api/v1/mounts/"+op, &resp); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return resp.Results, nil
}

// Syncs returns every sync task.
func (c *Client) Syncs(ctx context.Context) ([]SyncTask, error) {
	var resp struct {
		Syncs []SyncTask `json:"syncs"`
	}
	if err := c.get(ctx, "/api/v1/syncs", &resp); err != nil {
		return nil, fmt.Errorf("list syncs: %w", err)
	}
	return resp.Syncs, nil
}

// RunSync starts a manual run of a task.
func (c *Client) RunSync(ctx context.Context, name string) (*models.SyncRun, error) {
	var run models.SyncRun
	if err := c.post(ctx, "/api/v1/syncs/"+url.PathEscape(name)+"/run", &run); err != nil {
		return nil, fmt.Errorf("run sync %s: %w", name, err)
	}
	return &run, nil
}

// GetRun returns a live or recorded run.
func (c *Client) GetRun(ctx context.Context, id uuid.UUID) (*models.SyncRun, error) {
	var run models.SyncRun
	if err := c.get(ctx, "/api/v1/runs/"+id.String(), &run); err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &run, nil
}

// CancelRun stops a live run.
func (c *Client) CancelRun(ctx context.Context, id uuid.UUID) error {
	if err := c.post(ctx, "/api/v1/runs/"+id.String()+"/cancel", nil); err != nil {
		return fmt.Errorf("cancel run %s: %w", id, err)
	}
	return nil
}

// ActiveRuns returns the live runs.
func (c *Client) ActiveRuns(ctx context.Context) ([]models.SyncRun, error) {
	var resp struct {
		Runs []models.SyncRun `json:"runs"`
	}
	if err := c.get(ctx, "/api/v1/runs/active", &resp); err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	return resp.Runs, nil
}

// History returns recorded runs, newest first. An empty task lists all tasks.
func (c *Client) History(ctx context.Context, task string, limit int) ([]models.SyncRun, error) {
	q := url.Values{}
	if task != "" {
		q.Set("task", task)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/runs/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Runs []models.SyncRun `json:"runs"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("list run history: %w", err)
	}
	return resp.Runs, nil
}

// Schedules returns every registered schedule.
func (c *Client) Schedules(ctx context.Context) ([]Schedule, error) {
	var resp struct {
		Schedules []Schedule `json:"schedules"`
	}
	if err := c.get(ctx, "/api/v1/schedules", &resp); err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return resp.Schedules, nil
}

// Logs returns recent daemon log entries, newest first.
func (c *Client) Logs(ctx context.Context, f logging.Filter) ([]logging.Entry, error) {
	q := url.Values{}
	if f.Level != "" {
		q.Set("level", f.Level)
	}
	if f.Component != "" {
		q.Set("component", f.Component)
	}
	if f.Search != "" {
		q.Set("search", f.Search)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/api/v1/logs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Logs []logging.Entry `json:"logs"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("get logs: %w", err)
	}
	return resp.Logs, nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(nil))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		}
		return apiErr
	}

	if result != nil {
		return json.Unmarshal(body, result)
	}
	return nil
}
