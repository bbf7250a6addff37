package service

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"gluco-circle/internal/config"
	"gluco-circle/internal/models"
	"gluco-circle/internal/repository"
	"gluco-circle/internal/timeline"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// StatsService 血糖统计与历史导出
// 可见性校验在调用方（handler 经 AlertService.CanViewTimeline）完成
type StatsService struct {
	config   *config.Config
	accounts *repository.AccountsRepository
	timeline *timeline.Timeline
	logger   *zap.Logger
}

// NewStatsService 创建统计服务
func NewStatsService(
	cfg *config.Config,
	accounts *repository.AccountsRepository,
	tl *timeline.Timeline,
	logger *zap.Logger,
) *StatsService {
	return &StatsService{
		config:   cfg,
		accounts: accounts,
		timeline: tl,
		logger:   logger,
	}
}

// Stats 计算时间窗口内的血糖统计（范围边界取 owner 自己的阈值）
func (s *StatsService) Stats(ctx context.Context, ownerID string, from, to time.Time) (*models.TimelineStats, error) {
	if !from.Before(to) {
		return nil, models.ValidationErrorf("from must be before to")
	}

	owner, err := s.accounts.GetAccount(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	return s.timeline.Stats(ctx, ownerID, &owner.Settings, from, to)
}

// 导出表头
var glucoseExportHeader = []string{
	"Time",
	"Glucose (mg/dL)",
	"Trend",
	"Source",
	"Notes",
}

// ExportHistory 导出时间窗口内的血糖历史为 Excel
func (s *StatsService) ExportHistory(ctx context.Context, ownerID string, from, to time.Time) ([]byte, error) {
	if !from.Before(to) {
		return nil, models.ValidationErrorf("from must be before to")
	}

	owner, err := s.accounts.GetAccount(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	readings, err := s.timeline.Window(ctx, ownerID, from, to)
	if err != nil {
		return nil, err
	}

	stats := timeline.ComputeStats(readings, &owner.Settings, from, to)

	return generateGlucoseExcel(readings, stats)
}

// generateGlucoseExcel 生成血糖历史 Excel 文件
func generateGlucoseExcel(readings []*models.Reading, stats *models.TimelineStats) ([]byte, error) {
	f := excelize.NewFile()
	// Note: Don't defer Close() here, because WriteTo needs the file to be open

	sheetName := "Glucose History"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}

	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold: true,
		},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range glucoseExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheetName, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
	}

	columnWidths := []float64{22, 16, 14, 14, 40}
	for i := range glucoseExportHeader {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(sheetName, col, col, columnWidths[i]); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for rowIdx, reading := range readings {
		row := rowIdx + 2
		notes := ""
		if reading.Notes != nil {
			notes = *reading.Notes
		}
		values := []interface{}{
			reading.Timestamp.Format("2006-01-02 15:04:05"),
			reading.Value,
			string(reading.Trend),
			string(reading.Source),
			notes,
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to convert coordinates: %w", err)
			}
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell %s: %w", cell, err)
			}
		}
	}

	// 汇总区：数据后空一行
	summaryRow := len(readings) + 3
	summary := [][]interface{}{
		{"Readings", stats.ReadingCount},
		{"Average (mg/dL)", fmt.Sprintf("%.1f", stats.AverageGlucose)},
		{"Time In Range (%)", fmt.Sprintf("%.1f", stats.TimeInRange)},
		{"Time Below Range (%)", fmt.Sprintf("%.1f", stats.TimeBelowRange)},
		{"Time Above Range (%)", fmt.Sprintf("%.1f", stats.TimeAboveRange)},
		{"Low Events", stats.LowEvents},
		{"High Events", stats.HighEvents},
	}
	for i, pair := range summary {
		for col, value := range pair {
			cell, err := excelize.CoordinatesToCellName(col+1, summaryRow+i)
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to convert coordinates: %w", err)
			}
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set summary cell %s: %w", cell, err)
			}
		}
	}

	if err := f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		Split:       false,
		XSplit:      0,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}

	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}

	return buf.Bytes(), nil
}
