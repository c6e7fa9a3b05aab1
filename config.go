package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	DEFAULT_CONFIG_FILE string = "tapeio.json"
	DEFAULT_LOG_FILE    string = "tapeio.log"
	DEFAULT_CATALOG     string = "./catalog.db"
	DEFAULT_SIM_DIR     string = "simtapes"
	DEFAULT_REGION      string = "us-east-1"
	DEFAULT_VOLUME      string = "TAPE00"

	BackendNative    = "native"
	BackendSimulator = "simulator"
)

// Config is the content of the json (or yaml) config file.
type Config struct {
	DriveIndex   int            `json:"driveIndex" yaml:"drive_index"`
	Backend      string         `json:"backend" yaml:"backend"`
	Volume       string         `json:"volume" yaml:"volume"`
	SimDirectory string         `json:"simDirectory" yaml:"sim_directory"`
	SimCapacity  string         `json:"simCapacity" yaml:"sim_capacity"`
	Catalog      string         `json:"catalog" yaml:"catalog"`
	LogFile      string         `json:"logFile" yaml:"log_file"`
	LogLevel     string         `json:"logLevel" yaml:"log_level"`
	LogJSON      bool           `json:"logJSON" yaml:"log_json"`
	BlockSize    string         `json:"blockSize" yaml:"block_size"`
	Settings     SettingsConfig `json:"settings" yaml:"settings"`
	Changer      ChangerConfig  `json:"changer" yaml:"changer"`
	Export       ExportConfig   `json:"export" yaml:"export"`
}

// SettingsConfig overrides drive settings; unset fields keep what the drive reports.
type SettingsConfig struct {
	Compression        *bool   `json:"compression,omitempty" yaml:"compression"`
	ECC                *bool   `json:"ecc,omitempty" yaml:"ecc"`
	DataPadding        *bool   `json:"dataPadding,omitempty" yaml:"data_padding"`
	ReportSetmarks     *bool   `json:"reportSetmarks,omitempty" yaml:"report_setmarks"`
	EOTWarningZoneSize *uint32 `json:"eotWarningZoneSize,omitempty" yaml:"eot_warning_zone_size"`
}

// ChangerConfig names the SCSI media changer in front of the drive.
type ChangerConfig struct {
	Device    string `json:"device" yaml:"device"`
	DriveSlot int    `json:"driveSlot" yaml:"drive_slot"`
}

// ExportConfig names where -export uploads restored files.
type ExportConfig struct {
	Region       string `json:"region" yaml:"region"`
	Bucket       string `json:"bucket" yaml:"bucket"`
	CreateBucket bool   `json:"createBucket" yaml:"create_bucket"`
	BlobURL      string `json:"blobURL" yaml:"blob_url"`
	Prefix       string `json:"prefix" yaml:"prefix"`
	Concurrency  int    `json:"concurrency" yaml:"concurrency"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Backend:      BackendNative,
		Volume:       DEFAULT_VOLUME,
		SimDirectory: DEFAULT_SIM_DIR,
		SimCapacity:  "64MiB",
		Catalog:      DEFAULT_CATALOG,
		LogFile:      DEFAULT_LOG_FILE,
		LogLevel:     "info",
		BlockSize:    "64KiB",
		Export: ExportConfig{
			Region:      DEFAULT_REGION,
			Concurrency: 4,
		},
	}
}

// LoadConfig reads path over the defaults. Files ending in .yaml or .yml are
// parsed as yaml, anything else as json.
func LoadConfig(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("unable to read configuration file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("unable to unmarshal configuration file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv overrides fields from TAPEIO_* environment variables.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("TAPEIO_DRIVE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TAPEIO_DRIVE: %w", err)
		}
		c.DriveIndex = n
	}
	if v := os.Getenv("TAPEIO_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TAPEIO_CONCURRENCY: %w", err)
		}
		c.Export.Concurrency = n
	}
	strs := map[string]*string{
		"TAPEIO_BACKEND":    &c.Backend,
		"TAPEIO_VOLUME":     &c.Volume,
		"TAPEIO_SIMDIR":     &c.SimDirectory,
		"TAPEIO_CATALOG":    &c.Catalog,
		"TAPEIO_LOG_FILE":   &c.LogFile,
		"TAPEIO_LOG_LEVEL":  &c.LogLevel,
		"TAPEIO_BLOCK_SIZE": &c.BlockSize,
		"TAPEIO_CHANGER":    &c.Changer.Device,
		"TAPEIO_S3_REGION":  &c.Export.Region,
		"TAPEIO_S3_BUCKET":  &c.Export.Bucket,
		"TAPEIO_BLOB_URL":   &c.Export.BlobURL,
	}
	for name, field := range strs {
		if v := os.Getenv(name); v != "" {
			*field = v
		}
	}
	return nil
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Backend != BackendNative && c.Backend != BackendSimulator {
		errs = append(errs, fmt.Errorf("backend must be %q or %q, got %q", BackendNative, BackendSimulator, c.Backend))
	}
	if c.DriveIndex < 0 {
		errs = append(errs, errors.New("drive index must not be negative"))
	}
	if c.Volume == "" {
		errs = append(errs, errors.New("volume name is required"))
	}
	if c.Catalog == "" {
		errs = append(errs, errors.New("catalog path is required"))
	}
	if _, err := c.BlockBytes(); err != nil {
		errs = append(errs, err)
	}
	if c.Backend == BackendSimulator {
		if _, err := c.SimCapacityBytes(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Export.Concurrency < 1 {
		errs = append(errs, errors.New("export concurrency must be at least 1"))
	}
	return errors.Join(errs...)
}

// BlockBytes is the tape block size. A block must hold a record header and
// at least one byte of data.
func (c Config) BlockBytes() (int, error) {
	n, err := humanize.ParseBytes(c.BlockSize)
	if err != nil {
		return 0, fmt.Errorf("block size %q: %w", c.BlockSize, err)
	}
	if n <= TLV_HEADER_SIZE || n > 1<<24 {
		return 0, fmt.Errorf("block size %q out of range", c.BlockSize)
	}
	return int(n), nil
}

func (c Config) SimCapacityBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.SimCapacity)
	if err != nil {
		return 0, fmt.Errorf("simulator capacity %q: %w", c.SimCapacity, err)
	}
	if n == 0 {
		return 0, errors.New("simulator capacity must not be zero")
	}
	return int64(n), nil
}
