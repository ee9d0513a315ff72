package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// ApplyEnv loads the optional dotenv file at envPath into the process
// environment and lets KONK_* variables override settings.
// Variables already set in the environment win over the file.
func ApplyEnv(s *Settings, envPath string) error {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	str("KONK_SERVER_HOST", &s.Server.Host)
	str("KONK_RELAY_URL", &s.Server.RelayURL)
	str("KONK_SLOT_PROVIDER", &s.Attachments.SlotProvider)
	str("KONK_SLOT_URL", &s.Attachments.SlotURL)
	str("KONK_S3_BUCKET", &s.Attachments.S3Bucket)
	str("KONK_S3_REGION", &s.Attachments.S3Region)
	str("KONK_S3_ENDPOINT", &s.Attachments.S3Endpoint)
	str("KONK_S3_ACCESS_KEY", &s.Attachments.S3AccessKey)
	str("KONK_S3_SECRET_KEY", &s.Attachments.S3SecretKey)

	if v, ok := os.LookupEnv("KONK_MAX_IMG_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		s.Net.MaxImgSize = n
	}
	return nil
}
