package analysis

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"femora/pkg/domain"
)

// Vocabulary mirrors the analysis backend so locally produced results render
// identically in the history screens.
var (
	localFindings = []string{
		"No significant abnormalities detected",
		"Minor tissue density variations observed",
		"Normal breast tissue architecture",
		"No suspicious masses or calcifications",
		"Symmetrical breast tissue distribution",
	}

	localRecommendations = []string{
		"Continue with regular self-examinations. Schedule follow-up in 6 months.",
		"Monitor for any changes. Consider follow-up scan in 3 months.",
		"Maintain current screening schedule. No immediate action required.",
		"Continue healthy lifestyle practices. Annual screening recommended.",
		"Schedule consultation with healthcare provider for personalized advice.",
	}

	// Biased towards the lower end, like the backend's own generator.
	localRiskLevels = []domain.RiskLevel{
		domain.RiskLow,
		domain.RiskLowMedium,
		domain.RiskMedium,
	}
)

// LocalAnalyzer produces on-device results when the remote backend is
// unavailable. One instance is shared by concurrent dispatch goroutines, so
// the rng is mutex-guarded.
type LocalAnalyzer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewLocalAnalyzer seeds a local fallback analyzer.
func NewLocalAnalyzer() *LocalAnalyzer {
	return &LocalAnalyzer{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Analyze synthesizes a result from the shared vocabulary.
func (a *LocalAnalyzer) Analyze() domain.AnalysisResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return domain.AnalysisResult{
		Findings:       localFindings[a.rng.Intn(len(localFindings))],
		Confidence:     80 + a.rng.Intn(19),
		RiskLevel:      localRiskLevels[a.rng.Intn(len(localRiskLevels))],
		Recommendation: localRecommendations[a.rng.Intn(len(localRecommendations))],
		AnalysisID:     "local_" + uuid.NewString(),
		Timestamp:      time.Now().UTC(),
	}
}

// DefaultResult is the canned low-risk result used when a scan completes
// before any analysis response arrived.
func DefaultResult() domain.AnalysisResult {
	return domain.AnalysisResult{
		Findings:       "No significant abnormalities detected",
		Confidence:     85,
		RiskLevel:      domain.RiskLow,
		Recommendation: "Continue with regular self-examinations. Schedule follow-up in 6 months.",
		AnalysisID:     "default_" + uuid.NewString(),
		Timestamp:      time.Now().UTC(),
	}
}
