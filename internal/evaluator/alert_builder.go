package evaluator

import (
	"time"

	"gluco-circle/internal/models"

	"github.com/google/uuid"
)

// BuildAlert 根据评估结论构建 active 状态的报警聚合
func BuildAlert(ownerID string, verdict Verdict, glucoseValue int) *models.Alert {
	now := time.Now()

	return &models.Alert{
		AlertID:         uuid.New().String(),
		OwnerID:         ownerID,
		Type:            verdict.Type,
		Severity:        verdict.Severity,
		GlucoseValue:    glucoseValue,
		Status:          models.AlertStatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
		Acknowledgments: []models.Acknowledgment{},
	}
}
