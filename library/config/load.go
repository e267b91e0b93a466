package config

import (
	"os"
	"path/filepath"

	errors "github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"
	"github.com/Laisky/zap"
	"github.com/joho/godotenv"

	"github.com/Laisky/docingest/library/log"
)

// LoadFromFile loads the yaml settings file into the shared config.
func LoadFromFile(cfgPath string) {
	gconfig.Shared.Set("cfg_dir", filepath.Dir(cfgPath))
	if err := gconfig.Shared.LoadFromFile(cfgPath); err != nil {
		log.Logger.Panic("load configuration",
			zap.Error(err),
			zap.String("config", cfgPath))
	}

	log.Logger.Info("load configuration",
		zap.String("config", cfgPath))
}

// LoadDotEnv exports variables from a .env file into the process environment.
// A missing file is not an error; variables already set are not overridden.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "stat %s", path)
	}

	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(err, "load %s", path)
	}

	log.Logger.Debug("load dotenv", zap.String("file", path))
	return nil
}
