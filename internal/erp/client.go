// Package erp reports completed cycles and faults of the cell to the plant's
// ERP/MES endpoint.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sebastiankruger/cell-sequencer/internal/config"
)

const sendTimeout = 10 * time.Second

// CycleReport is posted once per completed cycle
type CycleReport struct {
	ReportID     string    `json:"reportId"`
	Cell         string    `json:"cell"`
	RunID        string    `json:"runId,omitempty"`
	Cycle        int       `json:"cycle"`
	Parts        int       `json:"parts"`
	CycleTimeSec float64   `json:"cycleTimeSec"`
	CompletedAt  time.Time `json:"completedAt"`
}

// FaultReport is posted when the engine halts on a fault other than a stop
type FaultReport struct {
	ReportID string    `json:"reportId"`
	Cell     string    `json:"cell"`
	RunID    string    `json:"runId,omitempty"`
	Code     string    `json:"code"`
	Kind     string    `json:"kind"`
	Phase    string    `json:"phase"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Client handles communication with the ERP system
type Client struct {
	endpoint   string
	cyclePath  string
	faultPath  string
	httpClient *http.Client

	wg sync.WaitGroup
}

// NewClient creates a new ERP client. It returns nil when no endpoint is
// configured.
func NewClient(cfg *config.Config) *Client {
	if cfg.ERPEndpoint == "" {
		return nil
	}
	return &Client{
		endpoint:  cfg.ERPEndpoint,
		cyclePath: cfg.ERPCyclePath,
		faultPath: cfg.ERPFaultPath,
		httpClient: &http.Client{
			Timeout: sendTimeout,
		},
	}
}

// SendCycleReport posts a cycle report to the ERP endpoint
func (c *Client) SendCycleReport(ctx context.Context, rep CycleReport) error {
	if rep.ReportID == "" {
		rep.ReportID = uuid.NewString()
	}
	return c.post(ctx, c.cyclePath, "cycle", rep.ReportID, rep)
}

// SendFaultReport posts a fault report to the ERP endpoint
func (c *Client) SendFaultReport(ctx context.Context, rep FaultReport) error {
	if rep.ReportID == "" {
		rep.ReportID = uuid.NewString()
	}
	return c.post(ctx, c.faultPath, "fault", rep.ReportID, rep)
}

// ReportCycle sends rep in the background
func (c *Client) ReportCycle(rep CycleReport) {
	c.async(func(ctx context.Context) error { return c.SendCycleReport(ctx, rep) })
}

// ReportFault sends rep in the background
func (c *Client) ReportFault(rep FaultReport) {
	c.async(func(ctx context.Context) error { return c.SendFaultReport(ctx, rep) })
}

func (c *Client) async(send func(ctx context.Context) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to send ERP report")
		}
	}()
}

// Close waits for reports still in flight
func (c *Client) Close() {
	c.wg.Wait()
}

// post returns an error only for reports that could not be encoded. An
// unreachable endpoint or an error status is logged and otherwise ignored so
// the cell keeps running without ERP.
func (c *Client) post(ctx context.Context, path, kind, id string, payload interface{}) error {
	url := c.endpoint + path

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s report: %w", kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", id)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", url).Msgf("Failed to send %s report (ERP endpoint may not be available)", kind)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Warn().
			Int("status", resp.StatusCode).
			Str("reportId", id).
			Msgf("ERP returned error status for %s report", kind)
	} else {
		log.Debug().
			Str("reportId", id).
			Msgf("%s report sent to ERP", kind)
	}

	return nil
}
