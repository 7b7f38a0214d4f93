package utils

import (
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// LoadConfig reads the .env file from path if present. Missing files are
// fine; real deployments configure through the environment.
func LoadConfig(path string) {
	envFile := filepath.Join(path, ".env")
	if err := godotenv.Load(envFile); err != nil {
		logrus.Debugf("no .env file loaded from %s", envFile)
		return
	}
	logrus.Infof("loaded configuration from %s", envFile)
}
