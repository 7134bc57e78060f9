package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const footer = "changestream pipeline supervisor"

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Manager struct {
	enabled      bool
	slackWebhook string
	httpClient   HTTPClient
	now          func() time.Time
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewManager(enabled bool, slackWebhook string) *Manager {
	return NewManagerWithClient(enabled, slackWebhook, &http.Client{Timeout: 10 * time.Second})
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
		now:          time.Now,
	}
}

// SendPipelineFailureAlert reports a failed pipeline run that will be
// restarted after retryIn.
func (m *Manager) SendPipelineFailureAlert(collection string, attempt int, err error, retryIn time.Duration) error {
	return m.post(
		fmt.Sprintf("⚠️ *PIPELINE RESTARTING: %s*", collection),
		"warning",
		"Change Stream Pipeline Failure",
		slackField{Title: "Collection", Value: collection, Short: true},
		slackField{Title: "Restart", Value: strconv.Itoa(attempt), Short: true},
		slackField{Title: "Retry In", Value: retryIn.String(), Short: true},
		slackField{Title: "Error", Value: errorText(err)},
	)
}

// SendPipelineStoppedAlert reports a pipeline that will not be restarted.
func (m *Manager) SendPipelineStoppedAlert(collection string, attempts int, err error) error {
	return m.post(
		fmt.Sprintf("🚨 *PIPELINE STOPPED: %s*", collection),
		"danger",
		"Change Stream Pipeline Gave Up",
		slackField{Title: "Collection", Value: collection, Short: true},
		slackField{Title: "Attempts", Value: strconv.Itoa(attempts), Short: true},
		slackField{Title: "Last Error", Value: errorText(err)},
	)
}

// SendSystemAlert reports a node level event. severity is one of good,
// warning or danger; anything else is sent as danger.
func (m *Manager) SendSystemAlert(title, message, severity string) error {
	color := "danger"
	switch severity {
	case "good", "warning":
		color = severity
	}

	return m.post(
		fmt.Sprintf("🚨 *SYSTEM ALERT: %s*", title),
		color,
		title,
		slackField{Title: "Message", Value: message},
	)
}

func (m *Manager) post(text, color, title string, fields ...slackField) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	return m.sendSlackMessage(slackMessage{
		Text: text,
		Attachments: []slackAttachment{{
			Color:  color,
			Title:  title,
			Fields: fields,
			Footer: footer,
			Ts:     m.now().Unix(),
		}},
	})
}

func errorText(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

func (m *Manager) sendSlackMessage(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	return nil
}
