package domain

import "time"

// ScanStatus is the lifecycle state of a scan session. Transitions only move
// forward: pending -> processing -> completed/failed.
type ScanStatus string

const (
	ScanPending    ScanStatus = "pending"
	ScanProcessing ScanStatus = "processing"
	ScanCompleted  ScanStatus = "completed"
	ScanFailed     ScanStatus = "failed"
)

// Rank orders statuses for transition checks. Terminal states share a rank.
func (s ScanStatus) Rank() int {
	switch s {
	case ScanPending:
		return 0
	case ScanProcessing:
		return 1
	case ScanCompleted, ScanFailed:
		return 2
	default:
		return -1
	}
}

// Valid reports whether the status is one of the four known values.
func (s ScanStatus) Valid() bool {
	return s.Rank() >= 0
}

type RiskLevel string

const (
	RiskLow        RiskLevel = "Low"
	RiskLowMedium  RiskLevel = "Low-Medium"
	RiskMedium     RiskLevel = "Medium"
	RiskMediumHigh RiskLevel = "Medium-High"
	RiskHigh       RiskLevel = "High"
)

// ScanBackend tags which analysis path produced a scan's result.
type ScanBackend string

const (
	BackendRemote ScanBackend = "remote"
	BackendLocal  ScanBackend = "local"
)

// DefaultScanType is used when a scan is created without an explicit type.
const DefaultScanType = "breast-scan"

type ReproductiveStatus string

const (
	Premenopausal  ReproductiveStatus = "premenopausal"
	Perimenopausal ReproductiveStatus = "perimenopausal"
	Postmenopausal ReproductiveStatus = "postmenopausal"
	Pregnant       ReproductiveStatus = "pregnant"
	Breastfeeding  ReproductiveStatus = "breastfeeding"
)

// Identity is the authenticated end-user as supplied by the external identity
// provider. TenantID is the sole partitioning key for all stored data.
type Identity struct {
	TenantID  string `json:"tenantId"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// UserPreferences are app-level toggles embedded in the profile.
type UserPreferences struct {
	NotificationsEnabled bool   `json:"notificationsEnabled"`
	ReminderCadenceDays  int    `json:"reminderCadenceDays,omitempty"`
	Language             string `json:"language,omitempty"`
}

// OnboardingData is the health questionnaire, overwritten wholesale on each
// save. List fields are never merged field-by-field.
type OnboardingData struct {
	Age                  int                `json:"age"`
	HadPriorScan         bool               `json:"hadPriorScan"`
	FamilyHistory        bool               `json:"familyHistory"`
	PriorConditions      []string           `json:"priorConditions,omitempty"`
	AgeAtMenarche        int                `json:"ageAtMenarche,omitempty"`
	ReproductiveStatus   ReproductiveStatus `json:"reproductiveStatus,omitempty"`
	OnHormonalMedication bool               `json:"onHormonalMedication"`
	SmokesOrDrinks       bool               `json:"smokesOrDrinks"`
	ChronicConditions    []string           `json:"chronicConditions,omitempty"`
	CompletedAt          time.Time          `json:"completedAt"`
}

// UserProfile is the per-tenant root document, created lazily on first
// authenticated access.
type UserProfile struct {
	TenantID    string          `json:"tenantId"`
	Email       string          `json:"email"`
	DisplayName string          `json:"displayName"`
	AvatarURL   string          `json:"avatarUrl,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	LastLoginAt time.Time       `json:"lastLoginAt"`
	Onboarding  *OnboardingData `json:"onboarding,omitempty"`
	Preferences UserPreferences `json:"preferences"`
}

// AnalysisResult is set at most once per scan and immutable afterwards.
type AnalysisResult struct {
	Findings       string    `json:"findings"`
	Confidence     int       `json:"confidence"`
	RiskLevel      RiskLevel `json:"riskLevel"`
	Recommendation string    `json:"recommendation"`
	AnalysisID     string    `json:"analysisId"`
	Timestamp      time.Time `json:"timestamp"`
}

// ProcessingStatus mirrors the image-analysis backend's job state.
type ProcessingStatus struct {
	Status   ScanStatus      `json:"status"`
	Progress int             `json:"progress"`
	Result   *AnalysisResult `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Terminal reports whether the backend finished with this job.
func (p ProcessingStatus) Terminal() bool {
	return p.Status == ScanCompleted || p.Status == ScanFailed
}

// ScanSession is one capture attempt and its outcome.
type ScanSession struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenantId"`
	ScanType   string            `json:"scanType"`
	CapturedAt time.Time         `json:"capturedAt"`
	Status     ScanStatus        `json:"status"`
	Images     []string          `json:"images"`
	Result     *AnalysisResult   `json:"result,omitempty"`
	Processing *ProcessingStatus `json:"processing,omitempty"`
	Backend    ScanBackend       `json:"backend,omitempty"`
	ImageURLs  []string          `json:"imageUrls,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewScan seeds CreateScanSession. Zero values get defaults: DefaultScanType
// and an empty image list.
type NewScan struct {
	ScanType string            `json:"scanType,omitempty"`
	Images   []string          `json:"images,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ScanUpdate is a partial update merged into an existing scan. Nil fields are
// left untouched.
type ScanUpdate struct {
	Status     *ScanStatus       `json:"status,omitempty"`
	CapturedAt *time.Time        `json:"capturedAt,omitempty"`
	Result     *AnalysisResult   `json:"result,omitempty"`
	Processing *ProcessingStatus `json:"processing,omitempty"`
	Backend    *ScanBackend      `json:"backend,omitempty"`
	Images     []string          `json:"images,omitempty"`
	ImageURLs  []string          `json:"imageUrls,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ChatMessage is immutable once created; insertion order is significant.
type ChatMessage struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	FromUser  bool              `json:"fromUser"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ChatSession groups one conversation's turns under a client-issued session
// id. Re-saving the same id replaces the full message list.
type ChatSession struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenantId"`
	Messages       []ChatMessage     `json:"messages"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// UserStats is derived locally from the tenant's scans and chats.
type UserStats struct {
	TotalScans     int        `json:"totalScans"`
	CompletedScans int        `json:"completedScans"`
	TotalChats     int        `json:"totalChats"`
	LastScanAt     *time.Time `json:"lastScanAt,omitempty"`
	LastChatAt     *time.Time `json:"lastChatAt,omitempty"`
}
