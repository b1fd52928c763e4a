package artifact

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/modelyard/modelyard/pkg/errdef"
)

// Artifact kinds supported by the registry.
const (
	KindVoice     = "voice"
	KindCharacter = "character"
)

// ValidKind reports whether kind names a supported artifact kind.
func ValidKind(kind string) bool {
	return kind == KindVoice || kind == KindCharacter
}

// File names inside a version directory. The model payload and training
// config are covered by the content hash; the metadata sidecar records the
// hash and is excluded from it.
const (
	ModelFileName    = "model.bin"
	ConfigFileName   = "training_config.yaml"
	MetadataFileName = "metadata.json"

	// LatestAlias is the per-user symlink pointing at the live version.
	LatestAlias = "latest"

	// ArchivedDirName holds displaced version directories.
	ArchivedDirName = "archived"
)

const versionTimeLayout = "20060102T150405"

var versionIDPattern = regexp.MustCompile(`^v\d{8}T\d{6}_[0-9a-f]{8}$`)

// NewVersionID returns a fresh version id. The UTC timestamp prefix keeps
// ids sortable by creation time; the random suffix separates versions
// created within the same second.
func NewVersionID(now time.Time) string {
	return fmt.Sprintf("v%s_%s", now.UTC().Format(versionTimeLayout), ShortID())
}

// ParseVersionID validates a version id and returns its embedded creation
// time.
func ParseVersionID(id string) (time.Time, error) {
	if !versionIDPattern.MatchString(id) {
		return time.Time{}, fmt.Errorf("%w: malformed version id %q", errdef.ErrValidation, id)
	}

	ts, err := time.Parse(versionTimeLayout, id[1:16])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: version id %q: %v", errdef.ErrValidation, id, err)
	}

	return ts, nil
}

// ShortID generates a short random hex ID (8 characters). Version ids,
// deploy slots and run ids all use it as their uniqueness suffix.
func ShortID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based ID if crypto/rand fails.
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xFFFFFFFF)
	}

	return hex.EncodeToString(b)
}

// Metadata is the sidecar written next to the model payload. It duplicates
// the catalog row closely enough that a version directory is
// self-describing when copied elsewhere.
type Metadata struct {
	VersionID   string    `json:"version_id"`
	UserID      string    `json:"user_id"`
	Kind        string    `json:"kind"`
	ContentHash string    `json:"content_hash"`
	SizeBytes   int64     `json:"size_bytes"`
	FinalLoss   float64   `json:"final_loss"`
	BestLoss    float64   `json:"best_loss"`
	TrainedAt   time.Time `json:"trained_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// TrainingConfig is the training recipe stored alongside the payload.
type TrainingConfig struct {
	Kind         string            `yaml:"kind" json:"kind"`
	Epochs       int               `yaml:"epochs" json:"epochs"`
	LearningRate float64           `yaml:"learning_rate,omitempty" json:"learning_rate,omitempty"`
	BatchSize    int               `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	BaseModel    string            `yaml:"base_model,omitempty" json:"base_model,omitempty"`
	Dataset      string            `yaml:"dataset,omitempty" json:"dataset,omitempty"`
	Options      map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}
