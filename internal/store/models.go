package store

import "time"

// Role is a message's author role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus tracks an assistant message's lifecycle.
type MessageStatus string

const (
	StatusPending  MessageStatus = "pending"
	StatusComplete MessageStatus = "complete"
	StatusError    MessageStatus = "error"
)

// Sharing is a conversation's visibility mode.
type Sharing string

const (
	SharingPrivate Sharing = "private"
	SharingLibrary Sharing = "library"
	SharingPublic  Sharing = "public"
)

// KeyMode is the BYOK/platform key selection policy requested by a caller.
type KeyMode string

const (
	KeyModeAuto         KeyMode = "auto"
	KeyModeBYOKOnly     KeyMode = "byok_only"
	KeyModePlatformOnly KeyMode = "platform_only"
)

// KeyModeUsed records which kind of key a request actually used.
type KeyModeUsed string

const (
	KeyUsedPlatform KeyModeUsed = "platform"
	KeyUsedBYOK     KeyModeUsed = "byok"
	KeyUsedUnknown  KeyModeUsed = "unknown"
)

// KeyStatus is a BYOK key's validation state.
type KeyStatus string

const (
	KeyStatusUntested KeyStatus = "untested"
	KeyStatusValid    KeyStatus = "valid"
	KeyStatusInvalid  KeyStatus = "invalid"
	KeyStatusRevoked  KeyStatus = "revoked"
)

// ContextTargetType names what a MessageContext row points at.
type ContextTargetType string

const (
	TargetMedia      ContextTargetType = "media"
	TargetHighlight  ContextTargetType = "highlight"
	TargetAnnotation ContextTargetType = "annotation"
)

type Conversation struct {
	ID          string
	OwnerUserID string
	Sharing     Sharing
	NextSeq     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Message struct {
	ID             string
	ConversationID string
	Seq            int
	Role           Role
	Content        string
	Status         MessageStatus
	ErrorCode      *string
	ModelID        *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type MessageLLM struct {
	MessageID        string
	Provider         string
	ModelName        string
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
	KeyModeRequested KeyMode
	KeyModeUsed      KeyModeUsed
	CostUSDMicros    *int
	LatencyMS        *int
	ErrorClass       *string
	PromptVersion    string
	CreatedAt        time.Time
}

type MessageContext struct {
	ID           string
	MessageID    string
	TargetType   ContextTargetType
	Ordinal      int
	MediaID      *string
	HighlightID  *string
	AnnotationID *string
	CreatedAt    time.Time
}

type UserAPIKey struct {
	ID                string
	UserID            string
	Provider          string
	EncryptedKey      []byte
	KeyNonce          []byte
	MasterKeyVersion  *int
	KeyFingerprint    string
	Status            KeyStatus
	CreatedAt         time.Time
	LastTestedAt      *time.Time
	RevokedAt         *time.Time
}

type IdempotencyRecord struct {
	UserID              string
	Key                 string
	PayloadHash         string
	UserMessageID       string
	AssistantMessageID  string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

type ModelRegistryEntry struct {
	ID               string
	Provider         string
	ModelName        string
	MaxContextTokens int
	IsAvailable      bool
}

type Highlight struct {
	ID          string
	UserID      string
	FragmentID  string
	StartOffset int
	EndOffset   int
	Color       string
	Exact       string
	Prefix      string
	Suffix      string
}

type Annotation struct {
	ID          string
	HighlightID string
	Body        string
}

type Fragment struct {
	ID            string
	MediaID       string
	Idx           int
	CanonicalText string
	HTMLSanitized string
}

type FragmentBlock struct {
	ID          string
	FragmentID  string
	BlockIdx    int
	StartOffset int
	EndOffset   int
	BlockType   *string
	IsEmpty     bool
}

type Media struct {
	ID                  string
	Kind                string
	Title               string
	CanonicalSourceURL  *string
	ProcessingStatus    string
}
