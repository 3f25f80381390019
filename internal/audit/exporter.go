package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ExportFormat 导出格式
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

// ParseExportFormat 解析导出格式，未知值回落为 JSON
func ParseExportFormat(s string) ExportFormat {
	if ExportFormat(s) == FormatCSV {
		return FormatCSV
	}
	return FormatJSON
}

// ExportResult 导出结果
type ExportResult struct {
	Data        []byte `json:"data,omitempty"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	TotalCount  int    `json:"totalCount"`
}

// TrailReader 审计轨迹读取接口
type TrailReader interface {
	Trail(ctx context.Context, resource Resource, resourceID uint64) ([]AuditLog, error)
}

// Exporter 审计轨迹导出器
type Exporter struct {
	reader TrailReader
}

// NewExporter 创建导出器
func NewExporter(reader TrailReader) *Exporter {
	return &Exporter{reader: reader}
}

// Export 导出某个对象的审计轨迹
func (e *Exporter) Export(ctx context.Context, resource Resource, resourceID uint64, format ExportFormat) (*ExportResult, error) {
	logs, err := e.reader.Trail(ctx, resource, resourceID)
	if err != nil {
		return nil, err
	}

	base := fmt.Sprintf("audit_%s_%d_%s", resource, resourceID, time.Now().UTC().Format("20060102_150405"))
	if format == FormatCSV {
		return exportCSV(logs, base)
	}
	return exportJSON(logs, base)
}

// exportCSV 导出为 CSV 格式
func exportCSV(logs []AuditLog, base string) (*ExportResult, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{"id", "resource", "resource_id", "action", "role", "username", "email", "reason", "before", "after", "created_at"}
	if err := writer.Write(header); err != nil {
		return nil, err
	}

	for _, log := range logs {
		row := []string{
			log.ID,
			string(log.Resource),
			strconv.FormatUint(log.ResourceID, 10),
			string(log.Action),
			log.Role,
			log.Username,
			log.Email,
			log.Reason,
			string(log.Before),
			string(log.After),
			log.CreatedAt.Format(time.RFC3339Nano),
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}

	return &ExportResult{
		Data:        buf.Bytes(),
		Filename:    base + ".csv",
		ContentType: "text/csv; charset=utf-8",
		TotalCount:  len(logs),
	}, nil
}

// exportJSON 导出为 JSON 格式
func exportJSON(logs []AuditLog, base string) (*ExportResult, error) {
	result := struct {
		ExportedAt string     `json:"exportedAt"`
		TotalCount int        `json:"totalCount"`
		Logs       []AuditLog `json:"logs"`
	}{
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		TotalCount: len(logs),
		Logs:       logs,
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, err
	}

	return &ExportResult{
		Data:        data,
		Filename:    base + ".json",
		ContentType: "application/json; charset=utf-8",
		TotalCount:  len(logs),
	}, nil
}
