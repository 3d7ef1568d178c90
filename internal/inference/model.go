package inference

import (
	"math"

	"github.com/langchou/panwatch/internal/models"
)

// Result 车型推断结果
type Result struct {
	Profile              models.BatteryProfile
	CurrentKwh           float64 // 当前电量，保留两位小数
	EstimatedFullRangeKm float64 // 理论满电续航
}

// Infer 根据 SOC 与剩余续航推断电池档案并换算当前电量。
//
// 理论满电续航 = 剩余续航 / (soc/100)，优先选择误差在 toleranceKm 内
// 且偏差最小的档案，全部超出容差时退化为取偏差最小者。
// soc<=0 或 remainingRangeKm<=0 时无法推断，返回 ok=false，
// 调用方必须按软失败处理，禁止静默使用默认档案
func Infer(profiles []models.BatteryProfile, toleranceKm float64, soc int, remainingRangeKm float64) (Result, bool) {
	if soc <= 0 || remainingRangeKm <= 0 || len(profiles) == 0 {
		return Result{}, false
	}

	estimatedFullRange := remainingRangeKm / (float64(soc) / 100.0)

	// 容差内精确匹配
	var detected *models.BatteryProfile
	minDiff := math.MaxFloat64
	for i := range profiles {
		diff := math.Abs(profiles[i].FullRangeKm - estimatedFullRange)
		if diff <= toleranceKm && diff < minDiff {
			minDiff = diff
			detected = &profiles[i]
		}
	}

	// 无法精确匹配时选择最接近的档案
	if detected == nil {
		minDiff = math.MaxFloat64
		for i := range profiles {
			diff := math.Abs(profiles[i].FullRangeKm - estimatedFullRange)
			if diff < minDiff {
				minDiff = diff
				detected = &profiles[i]
			}
		}
	}

	currentKwh := round2(detected.CapacityKwh * (float64(soc) / 100.0))

	return Result{
		Profile:              *detected,
		CurrentKwh:           currentKwh,
		EstimatedFullRangeKm: estimatedFullRange,
	}, true
}

// round2 保留两位小数
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
