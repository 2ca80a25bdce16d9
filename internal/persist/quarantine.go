package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a corrupt file into dir/quarantine and returns its new
// path.
func Quarantine(dir, filePath string) (string, error) {
	quarantineDir := filepath.Join(dir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405.000"))
	dst := filepath.Join(quarantineDir, name)

	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// RestoreFromBackup copies path.bak over path if the backup decodes.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no backup file: %s", bakPath)
		}
		return fmt.Errorf("read backup: %w", err)
	}

	c, err := CodecFor(filePath)
	if err != nil {
		return err
	}
	if err := c.Validate(content); err != nil {
		return fmt.Errorf("backup is also corrupted: %w", err)
	}
	return AtomicWriteRaw(filePath, content)
}

// RecoverCorruptedFile quarantines filePath and restores the backup. The
// returned quarantine path is set even when the restore fails.
func RecoverCorruptedFile(dir, filePath string) (string, error) {
	q, err := Quarantine(dir, filePath)
	if err != nil {
		return "", fmt.Errorf("quarantine failed: %w", err)
	}
	if err := RestoreFromBackup(filePath); err != nil {
		return q, err
	}
	return q, nil
}
