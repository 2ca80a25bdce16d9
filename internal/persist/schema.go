package persist

import "fmt"

// CurrentSchemaVersion is written into every document header. Readers
// reject anything newer.
const CurrentSchemaVersion = 1

const (
	FileTypePRD       = "prd"
	FileTypeKnowledge = "knowledge"
)

// CheckHeader validates the schema_version and file_type a document was
// decoded with against the file type the caller expects.
func CheckHeader(version int, fileType, want string) error {
	switch {
	case version < 1:
		return fmt.Errorf("invalid schema_version %d (must be >= 1)", version)
	case version > CurrentSchemaVersion:
		return fmt.Errorf("unsupported schema_version %d (max supported: %d)", version, CurrentSchemaVersion)
	case fileType == "":
		return fmt.Errorf("missing file_type")
	case fileType != want:
		return fmt.Errorf("file_type mismatch: got %q, expected %q", fileType, want)
	}
	return nil
}
