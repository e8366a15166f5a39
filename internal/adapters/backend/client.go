// Package backend is the HTTP client for the proctoring endpoints of the
// grading backend.
package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ghalamif/AegisProctor/internal/adapters/observability"
	"github.com/ghalamif/AegisProctor/internal/domain"
	"github.com/ghalamif/AegisProctor/internal/ports"
)

const (
	PathStart     = "/proctor/start"
	PathHeartbeat = "/proctor/heartbeat"
	PathSnapshot  = "/proctor/snapshot"
	PathChunk     = "/proctor/video/upload/chunk"
	PathFinalize  = "/proctor/video/upload/finalize"
	PathEnd       = "/proctor/end"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Path, e.StatusCode, e.Body)
}

// SnapshotPayload is the JSON body of a snapshot upload.
type SnapshotPayload struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Image          string    `json:"image"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	TakenAt        time.Time `json:"taken_at"`
	CandidateToken string    `json:"candidate_token,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

type uploadResponse struct {
	UploadID string `json:"upload_id"`
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithToken sets the bearer token used when a request carries none of its own.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithBeaconTimeout bounds fire-and-forget deliveries.
func WithBeaconTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.beaconTimeout = d
		}
	}
}

func WithObservability(obs ports.Observability) Option {
	return func(c *Client) {
		if obs != nil {
			c.obs = obs
		}
	}
}

type Client struct {
	base          *url.URL
	http          *http.Client
	token         string
	beaconTimeout time.Duration
	obs           ports.Observability

	beacons sync.WaitGroup
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend url %q must be absolute", baseURL)
	}
	c := &Client{
		base:          u,
		http:          &http.Client{},
		beaconTimeout: 5 * time.Second,
		obs:           observability.Nop{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

func (c *Client) authorize(req *http.Request, token string) {
	if token == "" {
		token = c.token
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) postJSON(ctx context.Context, path, token string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, token)
	return c.do(req, path, out)
}

func (c *Client) postForm(ctx context.Context, path, token string, fields map[string]string, file *formFile, out any) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if file != nil {
		part, err := w.CreateFormFile(file.field, file.name)
		if err != nil {
			return err
		}
		if _, err := part.Write(file.data); err != nil {
			return err
		}
	}
	for _, k := range sortedKeys(fields) {
		if fields[k] == "" {
			continue
		}
		if err := w.WriteField(k, fields[k]); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.authorize(req, token)
	return c.do(req, path, out)
}

type formFile struct {
	field string
	name  string
	data  []byte
}

func (c *Client) do(req *http.Request, path string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}

func (c *Client) StartSession(ctx context.Context, req ports.StartSessionRequest) (ports.StartSessionResponse, error) {
	var out ports.StartSessionResponse
	err := c.postJSON(ctx, PathStart, req.Token, req, &out)
	return out, err
}

func (c *Client) Heartbeat(ctx context.Context, rec domain.HeartbeatRecord) error {
	return c.postJSON(ctx, PathHeartbeat, "", rec, nil)
}

func (c *Client) HeartbeatBeacon(rec domain.HeartbeatRecord) {
	c.beacon(PathHeartbeat, func(ctx context.Context) error { return c.Heartbeat(ctx, rec) })
}

func (c *Client) Snapshot(ctx context.Context, s domain.ProctorSnapshot) error {
	payload := SnapshotPayload{
		ID:             s.ID,
		SessionID:      s.SessionID,
		Image:          base64.StdEncoding.EncodeToString(s.Image),
		Width:          s.Width,
		Height:         s.Height,
		TakenAt:        s.TakenAt,
		CandidateToken: s.CandidateToken,
		Reason:         s.Reason,
	}
	return c.postJSON(ctx, PathSnapshot, s.CandidateToken, payload, nil)
}

func (c *Client) UploadChunk(ctx context.Context, ch domain.Chunk) (string, error) {
	fields := map[string]string{
		"session_id":      ch.SessionID,
		"test_id":         ch.TestID,
		"candidate_id":    ch.CandidateID,
		"candidate_token": ch.CandidateToken,
		"upload_id":       ch.UploadID,
		"seq":             strconv.FormatUint(ch.Seq, 10),
		"chunk_id":        ch.ID,
		"captured_at":     ch.CapturedAt.Format(time.RFC3339Nano),
	}
	file := &formFile{field: "chunk", name: fmt.Sprintf("chunk-%06d%s", ch.Seq, extension(ch.MimeType)), data: ch.Data}

	var out uploadResponse
	if err := c.postForm(ctx, PathChunk, ch.CandidateToken, fields, file, &out); err != nil {
		return "", err
	}
	return out.UploadID, nil
}

func (c *Client) FinalizeUpload(ctx context.Context, req domain.FinalizeRequest) error {
	fields := map[string]string{
		"upload_id":       req.UploadID,
		"session_id":      req.SessionID,
		"test_id":         req.TestID,
		"candidate_id":    req.CandidateID,
		"candidate_token": req.CandidateToken,
		"uploaded_at":     req.UploadedAt.Format(time.RFC3339Nano),
	}
	return c.postForm(ctx, PathFinalize, req.CandidateToken, fields, nil, nil)
}

func (c *Client) EndSession(ctx context.Context, req ports.EndSessionRequest) error {
	return c.postJSON(ctx, PathEnd, req.CandidateToken, req, nil)
}

func (c *Client) EndSessionBeacon(req ports.EndSessionRequest) {
	c.beacon(PathEnd, func(ctx context.Context) error { return c.EndSession(ctx, req) })
}

// beacon delivers in the background on a context detached from any caller.
func (c *Client) beacon(path string, send func(context.Context) error) {
	c.beacons.Add(1)
	go func() {
		defer c.beacons.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.beaconTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			c.obs.LogError("beacon_failed", err, ports.Field{Key: "path", Value: path})
		}
	}()
}

// Flush waits for in-flight beacons or until ctx is done.
func (c *Client) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.beacons.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func extension(mime string) string {
	switch mime {
	case "video/x-motion-jpeg":
		return ".mjpeg"
	case "video/webm":
		return ".webm"
	default:
		return ".bin"
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ ports.Backend = (*Client)(nil)
