package repository

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/edamame-systems/edamame-stack/collector/internal/metrics"
	"github.com/edamame-systems/edamame-stack/common/logging"
	"github.com/edamame-systems/edamame-stack/common/models"
)

// OpenSearchConfig holds the search mirror connection settings.
type OpenSearchConfig struct {
	URL           string
	Username      string
	Password      string
	Index         string
	TLSSkipVerify bool
}

// OpenSearchMirror indexes persisted access records and alerts for search.
type OpenSearchMirror struct {
	client *opensearch.Client
	index  string
}

func NewOpenSearchMirror(cfg OpenSearchConfig) (*OpenSearchMirror, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.TLSSkipVerify,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	index := cfg.Index
	if index == "" {
		index = "edamame-access"
	}
	return &OpenSearchMirror{client: client, index: index}, nil
}

// Ping verifies the cluster answers.
func (m *OpenSearchMirror) Ping(ctx context.Context) error {
	res, err := opensearchapi.InfoRequest{}.Do(ctx, m.client)
	if err != nil {
		return fmt.Errorf("failed to connect to opensearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("opensearch returned error: %s", res.Status())
	}
	return nil
}

type accessDoc struct {
	Timestamp      time.Time `json:"@timestamp"`
	RegistrationID string    `json:"registration_id,omitempty"`
	ServerName     string    `json:"server_name"`
	SourcePath     string    `json:"source_path,omitempty"`
	Method         string    `json:"method"`
	URL            string    `json:"url"`
	Status         int       `json:"status"`
	IP             string    `json:"ip"`
	Blocked        bool      `json:"blocked_by_modsec"`
	CollectedAt    time.Time `json:"collected_at"`
}

type alertDoc struct {
	Timestamp    time.Time `json:"@timestamp"`
	RecordID     string    `json:"access_log_id"`
	ServerName   string    `json:"server_name"`
	RuleID       string    `json:"rule_id"`
	Severity     string    `json:"severity"`
	SeverityCode int       `json:"severity_code"`
	Message      string    `json:"message"`
	Data         string    `json:"data,omitempty"`
	URL          string    `json:"extracted_url,omitempty"`
}

// IndexEntry indexes entry under recordID.
func (m *OpenSearchMirror) IndexEntry(ctx context.Context, recordID string, entry *models.LogEntry) error {
	return m.indexDoc(ctx, m.index, recordID, accessDoc{
		Timestamp:      entry.AccessTime,
		RegistrationID: entry.RegistrationID,
		ServerName:     entry.ServerName,
		SourcePath:     entry.SourcePath,
		Method:         entry.Method,
		URL:            entry.FullURL,
		Status:         entry.StatusCode,
		IP:             entry.IPAddress,
		Blocked:        entry.BlockedByModSec,
		CollectedAt:    entry.CollectedAt,
	})
}

// IndexAlert indexes alert into the alerts index alongside its record id.
func (m *OpenSearchMirror) IndexAlert(ctx context.Context, recordID string, alert models.ModSecAlert) error {
	return m.indexDoc(ctx, m.index+"-alerts", "", alertDoc{
		Timestamp:    alert.DetectedAt,
		RecordID:     recordID,
		ServerName:   alert.ServerName,
		RuleID:       alert.RuleID,
		Severity:     alert.Severity,
		SeverityCode: alert.SeverityCode,
		Message:      alert.Message,
		Data:         alert.DataValue,
		URL:          alert.ExtractedURL,
	})
}

func (m *OpenSearchMirror) indexDoc(ctx context.Context, index, id string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	res, err := opensearchapi.IndexRequest{
		Index:      index,
		DocumentID: id,
		Body:       bytes.NewReader(body),
	}.Do(ctx, m.client)
	if err != nil {
		return fmt.Errorf("failed to index document: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return fmt.Errorf("failed to index document: %s - %s", res.Status(), string(msg))
	}
	return nil
}

// Mirrored decorates a Repository so every saved entry and alert is also
// indexed in OpenSearch. Index failures are logged and never fail the save.
type Mirrored struct {
	Repository
	mirror *OpenSearchMirror
	logger *slog.Logger
}

func NewMirrored(repo Repository, mirror *OpenSearchMirror, logger *slog.Logger) *Mirrored {
	return &Mirrored{Repository: repo, mirror: mirror, logger: logging.OrDefault(logger)}
}

func (m *Mirrored) SaveEntry(ctx context.Context, entry *models.LogEntry) (string, error) {
	id, err := m.Repository.SaveEntry(ctx, entry)
	if err != nil {
		return "", err
	}
	if err := m.mirror.IndexEntry(ctx, id, entry); err != nil {
		metrics.StorageErrors.WithLabelValues("opensearch_entry").Inc()
		m.logger.Error("Failed to mirror access entry", slog.String("record_id", id), logging.Error(err))
	}
	return id, nil
}

func (m *Mirrored) SaveAlert(ctx context.Context, recordID string, alert models.ModSecAlert) error {
	if err := m.Repository.SaveAlert(ctx, recordID, alert); err != nil {
		return err
	}
	if err := m.mirror.IndexAlert(ctx, recordID, alert); err != nil {
		metrics.StorageErrors.WithLabelValues("opensearch_alert").Inc()
		m.logger.Error("Failed to mirror alert", slog.String("record_id", recordID), logging.Error(err))
	}
	return nil
}
