package model

// StorageMode indicates where (and whether) the artifact bytes were persisted.
type StorageMode string

const (
	StorageModeCloud      StorageMode = "object-store-cloud"
	StorageModeLocal      StorageMode = "object-store-local-compatible"
	StorageModeFilesystem StorageMode = "filesystem"
	StorageModeNoop       StorageMode = "noop"
)

// Reason codes for artifacts that are not (yet) downloadable.
const (
	ReasonExternalStorageDisabled    = "EXTERNAL_STORAGE_DISABLED"
	ReasonOptionalIntegrationFailure = "OPTIONAL_INTEGRATION_FAILURE"
	ReasonDownloadURLUnavailable     = "DOWNLOAD_URL_UNAVAILABLE"
	ReasonPending                    = "PENDING"
)

// ArtifactDescriptor references the uploaded report file. Available implies
// Key is set; Checksum is the SHA-256 hex over the uploaded bytes.
type ArtifactDescriptor struct {
	Mode      StorageMode `bson:"mode" json:"mode"`
	Available bool        `bson:"available" json:"available"`
	Reason    string      `bson:"reason,omitempty" json:"reason,omitempty"`
	SizeBytes int64       `bson:"sizeBytes,omitempty" json:"sizeBytes,omitempty"`
	Checksum  string      `bson:"checksum,omitempty" json:"checksum,omitempty"`
	Key       string      `bson:"key,omitempty" json:"key,omitempty"`
	Bucket    string      `bson:"bucket,omitempty" json:"bucket,omitempty"`
	Entries   []string    `bson:"entries,omitempty" json:"entries,omitempty"`
}
