package storage

import (
	"fmt"

	"github.com/eddielth/lora-trans/config"
)

// NewFromConfig opens every enabled backend. Nothing enabled yields an empty manager.
func NewFromConfig(cfg config.StorageConfig) (*Manager, error) {
	var backends []StorageBackend
	fail := func(err error) (*Manager, error) {
		for _, b := range backends {
			_ = b.Close()
		}
		return nil, err
	}

	if cfg.File.Enabled {
		fs, err := NewFileStorage(cfg.File.Path)
		if err != nil {
			return fail(fmt.Errorf("file storage: %w", err))
		}
		backends = append(backends, fs)
	}

	if cfg.Database.Enabled {
		db, err := NewDatabaseStorage(cfg.Database.Type, cfg.Database.DSN)
		if err != nil {
			return fail(fmt.Errorf("database storage: %w", err))
		}
		backends = append(backends, db)
	}

	if cfg.InfluxDB.Enabled {
		in := cfg.InfluxDB
		backends = append(backends, NewInfluxDBStorage(in.URL, in.Token, in.Org, in.Bucket, in.Measurement))
	}

	if cfg.Kafka.Enabled {
		k := cfg.Kafka
		backends = append(backends, NewKafkaStorage(k.Brokers, k.Topic, k.DLQTopic))
	}

	return NewManager(backends), nil
}
