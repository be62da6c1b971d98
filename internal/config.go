package internal

import (
	"fmt"
	"runtime"

	"github.com/iencode/iencode/internal/api"
	"github.com/iencode/iencode/internal/broker"
	"github.com/iencode/iencode/internal/database"
	"github.com/iencode/iencode/internal/ffmpeg"
	"github.com/iencode/iencode/internal/telegram"
	"github.com/iencode/iencode/internal/user"
	"github.com/ilyakaznacheev/cleanenv"
)

// IencodeConfig is the user config supplied by file and/or environment.
type IencodeConfig struct {
	Concurrent   ConcurrentConfig        `yaml:"concurrency"`
	Database     database.DatabaseConfig `yaml:"database" env-required:"true"`
	Broker       broker.Config           `yaml:"broker"`
	Telegram     telegram.Config         `yaml:"telegram"`
	Encoder      ffmpeg.Config           `yaml:"encoder"`
	Rest         api.RestConfig          `yaml:"api"`
	UserDefaults UserDefaultsConfig      `yaml:"user_defaults"`

	CacheDirPath  string `yaml:"cache_dir" env:"CACHE_DIR" env-default:"/var/cache/jobs"`
	DefaultPreset string `yaml:"encode_preset" env:"ENCODE_PRESET_DEFAULT" env-default:"slow"`
}

// ConcurrentConfig focuses on the concurrency of the two pipeline stages.
// The I/O stage is network bound and runs many handlers interleaved; the
// CPU stage holds one encoder subprocess per slot.
type ConcurrentConfig struct {
	CpuWorkerSlots      int `yaml:"cpu_worker_slots" env:"CPU_WORKER_SLOTS" env-default:"0"`
	IOWorkerConcurrency int `yaml:"io_worker_concurrency" env:"IO_WORKER_CONCURRENCY" env-default:"50"`
}

// UserDefaultsConfig holds the settings applied to users who have never
// customised anything.
type UserDefaultsConfig struct {
	BrandName string `yaml:"brand_name" env:"DEFAULT_BRAND_NAME" env-default:"iEncode"`
	Website   string `yaml:"website" env:"DEFAULT_WEBSITE"`
}

// LoadFromFile loads a YAML configuration file into the config struct;
// environment variables override file values.
func (config *IencodeConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration - %v", err.Error())
	}

	return nil
}

// LoadFromEnv populates the config from the environment alone.
func (config *IencodeConfig) LoadFromEnv() error {
	if err := cleanenv.ReadEnv(config); err != nil {
		return fmt.Errorf("failed to load configuration - %v", err.Error())
	}

	return nil
}

// EffectiveCpuSlots resolves the CPU stage slot count; unset, it leaves
// one core free for the I/O stage and the supervisor itself.
func (config *IencodeConfig) EffectiveCpuSlots() int {
	if config.Concurrent.CpuWorkerSlots > 0 {
		return config.Concurrent.CpuWorkerSlots
	}

	if cores := runtime.NumCPU(); cores > 1 {
		return cores - 1
	}

	return 1
}

func (config *IencodeConfig) DefaultUserSettings() user.Settings {
	return user.Settings{
		BrandName: config.UserDefaults.BrandName,
		Website:   config.UserDefaults.Website,
	}
}
